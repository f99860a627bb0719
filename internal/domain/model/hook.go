package model

// Hook content types accepted by the hosting API.
const (
	HookContentTypeForm = "form"
	HookContentTypeJSON = "json"
)

// Hook is a callback registered on a repository. Hooks are created once and
// never updated by bob.
type Hook struct {
	ID          int64
	Name        string
	URL         string
	Active      bool
	ContentType string
	InsecureSSL bool
}

// NewWebHook returns the hook bob registers on every watched repository.
func NewWebHook(url string) Hook {
	return Hook{
		Name:        "web",
		URL:         url,
		Active:      true,
		ContentType: HookContentTypeForm,
		InsecureSSL: true,
	}
}
