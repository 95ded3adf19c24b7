// Package platform defines the platform registry, the creator/subscription
// data model and wire codec, and the adapter contract each live service
// implements.
package platform

import (
	"fmt"
	"strings"
)

// Platform identifies an external live service. The String form is the
// canonical display name and doubles as the wire-level key prefix in the
// ledger, so it must never change for an existing deployment.
type Platform int

const (
	TwitterSpace Platform = iota
	BilibiliLive
)

func (p Platform) String() string {
	switch p {
	case TwitterSpace:
		return "Twitter Space"
	case BilibiliLive:
		return "Bilibili Live"
	default:
		return fmt.Sprintf("Platform(%d)", int(p))
	}
}

// All returns every supported platform in scheduler order.
func All() []Platform {
	return []Platform{TwitterSpace, BilibiliLive}
}

// hostAliases maps URL hosts accepted at subscription-creation time to
// their platform.
var hostAliases = map[string]Platform{
	"twitter.com":       TwitterSpace,
	"x.com":             TwitterSpace,
	"live.bilibili.com": BilibiliLive,
}

// ForHost resolves a URL host to a platform.
func ForHost(host string) (Platform, bool) {
	p, ok := hostAliases[strings.ToLower(host)]
	return p, ok
}

// Parse resolves a canonical display name back to a platform. Used when
// decoding ledger keys.
func Parse(name string) (Platform, bool) {
	for _, p := range All() {
		if p.String() == name {
			return p, true
		}
	}
	return 0, false
}

// Creator identifies a trackable entity on a platform. ID is the durable,
// platform-native key (room id, user id); Name is a cached display label
// that may go stale.
type Creator struct {
	Platform Platform
	ID       string
	Name     string
}

// Key returns the wire encoding used as both the tracked-index field and
// the anchor-hash key: "<platform name>:<id>:<name>".
func (c Creator) Key() string {
	return fmt.Sprintf("%s:%s:%s", c.Platform, c.ID, c.Name)
}

// ParseCreatorKey decodes a ledger key back into a Creator. The display
// name may itself contain colons, so only the first two separators split.
func ParseCreatorKey(s string) (Creator, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Creator{}, fmt.Errorf("malformed creator key %q", s)
	}
	p, ok := Parse(parts[0])
	if !ok {
		return Creator{}, fmt.Errorf("unsupported platform %q in creator key", parts[0])
	}
	if parts[1] == "" {
		return Creator{}, fmt.Errorf("empty creator id in key %q", s)
	}
	return Creator{Platform: p, ID: parts[1], Name: parts[2]}, nil
}

// Subscription pairs a creator with a notification recipient.
type Subscription struct {
	Creator   Creator
	Recipient string
}
