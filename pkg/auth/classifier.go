package auth

import "strings"

// DefaultMobileTokenThreshold is the bearer length at which a three-segment
// token is treated as a mobile identity token. First-party access tokens
// are a few hundred bytes; provider-issued RS256 identity tokens are
// considerably longer.
const DefaultMobileTokenThreshold = 500

// CredentialClass is the verifier a bearer string is dispatched to.
type CredentialClass int

const (
	// ClassLocalOrOAuth routes to the first-party token codec. Tokens
	// minted after an OAuth2 login are first-party tokens too.
	ClassLocalOrOAuth CredentialClass = iota

	// ClassMobileIdentity routes to the external mobile identity verifier.
	ClassMobileIdentity
)

// String returns a stable name for logs and metrics.
func (c CredentialClass) String() string {
	switch c {
	case ClassLocalOrOAuth:
		return "local_or_oauth"
	case ClassMobileIdentity:
		return "mobile_identity"
	default:
		return "unknown"
	}
}

// Classifier picks a verifier from the shape of a bearer string. It is a
// dispatch heuristic only: every verifier checks its credential in full,
// so a wrong guess costs a failed verification and nothing more.
type Classifier struct {
	// Threshold is the minimum length of a mobile identity token. Values
	// <= 0 mean DefaultMobileTokenThreshold.
	Threshold int
}

// NewClassifier returns a Classifier with the given threshold.
func NewClassifier(threshold int) Classifier {
	return Classifier{Threshold: threshold}
}

// Classify returns ClassMobileIdentity for strings with exactly three
// dot-separated segments whose length reaches the threshold, and
// ClassLocalOrOAuth for everything else. It never fails.
func (c Classifier) Classify(bearer string) CredentialClass {
	if strings.Count(bearer, ".") != 2 {
		return ClassLocalOrOAuth
	}
	if len(bearer) >= c.threshold() {
		return ClassMobileIdentity
	}
	return ClassLocalOrOAuth
}

func (c Classifier) threshold() int {
	if c.Threshold <= 0 {
		return DefaultMobileTokenThreshold
	}
	return c.Threshold
}
