package guard

import "regexp"

// Category groups forbidden signatures.
type Category string

const (
	CategorySuppression         Category = "suppression"
	CategorySeverityDowngrade   Category = "severity_downgrade"
	CategoryAuthzBypass         Category = "authz_bypass"
	CategoryAllowlistBroadening Category = "allowlist_broadening"
	CategoryGuaranteeRemoval    Category = "guarantee_removal"
	CategoryUnparsable          Category = "unparsable_diff"
)

type signature struct {
	name     string
	category Category
	re       *regexp.Regexp
}

// added lines must not match any of these.
var forbiddenAdditions = []signature{
	{"eslint-disable", CategorySuppression, regexp.MustCompile(`eslint-disable`)},
	{"ts-ignore", CategorySuppression, regexp.MustCompile(`@ts-(ignore|nocheck|expect-error)`)},
	{"nolint", CategorySuppression, regexp.MustCompile(`//\s*nolint\b`)},
	{"noqa", CategorySuppression, regexp.MustCompile(`#\s*noqa\b`)},
	{"nosec", CategorySuppression, regexp.MustCompile(`(?i)#\s*nosec\b|//\s*#nosec\b`)},
	{"nosonar", CategorySuppression, regexp.MustCompile(`NOSONAR`)},
	{"suppress-warnings", CategorySuppression, regexp.MustCompile(`@SuppressWarnings|SuppressMessage`)},
	{"pylint-disable", CategorySuppression, regexp.MustCompile(`pylint:\s*disable`)},
	{"type-ignore", CategorySuppression, regexp.MustCompile(`#\s*type:\s*ignore`)},
	{"coverage-ignore", CategorySuppression, regexp.MustCompile(`istanbul ignore|c8 ignore|pragma: no cover`)},
	{"shipgate-ignore", CategorySuppression, regexp.MustCompile(`(?i)shipgate[-:\s]*(ignore|disable|skip)`)},

	{"severity-lowered", CategorySeverityDowngrade, regexp.MustCompile(`(?i)\bseverity["']?\s*[:=]\s*["']?(info|low|warn(ing)?|off|none|ignore)\b`)},
	{"level-off", CategorySeverityDowngrade, regexp.MustCompile(`(?i)\b(level|rule)["']?\s*[:=]\s*["'](off|none)["']`)},
	{"downgrade-marker", CategorySeverityDowngrade, regexp.MustCompile(`(?i)@?shipgate[-:\s]*downgrade|\bdowngrade[_-]?severity\b`)},
	{"warnings-allowed", CategorySeverityDowngrade, regexp.MustCompile(`(?i)\b(allow[_-]?warnings|fail[_-]?on[_-]?error)["']?\s*[:=]\s*(true|false)\b`)},

	{"auth-bypass-identifier", CategoryAuthzBypass, regexp.MustCompile(`(?i)\b(skip|bypass|disable|no)[_-]?auth(z|orization|entication)?\b`)},
	{"auth-disabled", CategoryAuthzBypass, regexp.MustCompile(`(?i)\b(auth|authorize|authenticated|requireAuth)["']?\s*[:=]\s*false\b`)},
	{"admin-forced", CategoryAuthzBypass, regexp.MustCompile(`(?i)\bis_?admin["']?\s*[:=]\s*true\b`)},
	{"public-annotation", CategoryAuthzBypass, regexp.MustCompile(`@PermitAll|@Public\b|\[AllowAnonymous\]|AllowAnonymous\(`)},

	{"cors-wildcard", CategoryAllowlistBroadening, regexp.MustCompile(`(?i)access-control-allow-origin["']?\s*[:,=]\s*["']\*`)},
	{"origin-wildcard", CategoryAllowlistBroadening, regexp.MustCompile(`(?i)\borigins?["']?\s*[:=]\s*\[?\s*["']\*["']`)},
	{"allowlist-wildcard", CategoryAllowlistBroadening, regexp.MustCompile(`(?i)\ballow(ed)?[_-]?(list|hosts|ips|origins|domains|methods|headers)["']?\s*[:=]\s*\[?\s*["']\*["']`)},
	{"any-network", CategoryAllowlistBroadening, regexp.MustCompile(`0\.0\.0\.0/0|::/0`)},
	{"permission-wildcard", CategoryAllowlistBroadening, regexp.MustCompile(`(?i)\b(permissions?|scopes?|roles?)["']?\s*[:=]\s*\[?\s*["']\*(:\*)?["']`)},
}

// added lines matching these switch off the code around them. They are
// forbidden in any hunk that carries a guarantee.
var guaranteeNeutralizers = []signature{
	{"block-comment-open", CategoryGuaranteeRemoval, regexp.MustCompile(`/\*([^*]|\*+[^*/])*\**$`)},
	{"dead-branch", CategoryGuaranteeRemoval, regexp.MustCompile(`\b(if|while)\s*\(\s*(false|0)\s*\)|\bif\s+(false|0)\b|^\s*#\s*if\s+0\b`)},
}

// removed lines matching these carry an existing guarantee.
var guaranteeMarkers = []signature{
	{"rate-limit", CategoryGuaranteeRemoval, regexp.MustCompile(`(?i)rate[_-]?limit|\blimiter\b`)},
	{"audit", CategoryGuaranteeRemoval, regexp.MustCompile(`(?i)\baudit\w*\s*\(`)},
	{"authorization", CategoryGuaranteeRemoval, regexp.MustCompile(`(?i)\b(authorize|authenticate|requireAuth|checkPermission|requireRole)\w*\s*\(`)},
	{"validation", CategoryGuaranteeRemoval, regexp.MustCompile(`(?i)\b(validate|sanitize|redact)\w*\s*\(`)},
	{"csrf", CategoryGuaranteeRemoval, regexp.MustCompile(`(?i)\bcsrf`)},
	{"assertion", CategoryGuaranteeRemoval, regexp.MustCompile(`(?i)\b(assert|invariant|precondition|postcondition)\w*\s*\(`)},
}
