// Package push provides domain entities for push token registration.
package push

// Platform identifies the push platform a token belongs to.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Registration is the currently registered push token for this install.
// At most one registration is active at a time; replacing a token
// requires unregistering the stale one first.
type Registration struct {
	Token    string   `json:"token"`
	Platform Platform `json:"platform"`
}
