package model

import "fmt"

// AnalysisMode is the closed set of classification modes an account can be
// in. Unknown values are rejected when the account is loaded, so stage code
// can match the enum exhaustively.
type AnalysisMode int

const (
	// ModeNone disables classification entirely.
	ModeNone AnalysisMode = iota
	// ModeLocal runs the built-in heuristic booster on raw content.
	ModeLocal
	// ModeCloudRaw sends raw content to the classifier service. Only valid
	// when the classifier deployment is locally hosted.
	ModeCloudRaw
	// ModeCloudAnon sends anonymized content to the classifier service.
	ModeCloudAnon
)

func (m AnalysisMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeLocal:
		return "local"
	case ModeCloudRaw:
		return "cloud-raw"
	case ModeCloudAnon:
		return "cloud-anon"
	default:
		return fmt.Sprintf("AnalysisMode(%d)", int(m))
	}
}

// ParseAnalysisMode parses the stored mode string.
func ParseAnalysisMode(s string) (AnalysisMode, error) {
	switch s {
	case "none":
		return ModeNone, nil
	case "local":
		return ModeLocal, nil
	case "cloud-raw":
		return ModeCloudRaw, nil
	case "cloud-anon":
		return ModeCloudAnon, nil
	default:
		return ModeNone, fmt.Errorf("unknown analysis mode %q", s)
	}
}

// Account is one mailbox account owned by a user.
type Account struct {
	ID     int64
	UserID int64
	Name   string

	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool

	// Folder filters applied by the enumerator.
	FolderInclude []string
	FolderExclude []string
	UnseenOnly    bool
	SinceDays     int

	DeltaSync  bool
	PreferHTML bool

	AnalysisMode   AnalysisMode
	TargetLanguage string

	Active bool
}
