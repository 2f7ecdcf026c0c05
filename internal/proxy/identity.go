package proxy

import (
	"math/rand/v2"
	"sync"

	"github.com/avct/uasurfer"

	"github.com/JakeFAU/mirrorshield/internal/profile"
)

// DefaultUserAgent is sent when neither the client nor the profile supplies one.
const DefaultUserAgent = "Mozilla/5.0"

// Identity is the set of client-identifying headers presented to a mirror.
type Identity struct {
	UserAgent string
	Referer   string
}

// PickMirror returns a uniformly random mirror, or the only one when there is
// just one. mirrors must not be empty.
func PickMirror(mirrors []string, rng *rand.Rand) string {
	if len(mirrors) == 1 || rng == nil {
		return mirrors[0]
	}
	return mirrors[rng.IntN(len(mirrors))]
}

// ResolveIdentity prefers the client's own headers, then a draw from the profile
// pools, then fixed defaults: a generic user agent and the mirror as referer.
func ResolveIdentity(p *profile.Profile, mirror, clientUA, clientReferer string, rng *rand.Rand) Identity {
	if p.BrowserIdentityOnly && !IsBrowser(clientUA) {
		clientUA = ""
	}
	id := Identity{UserAgent: clientUA, Referer: clientReferer}
	if id.UserAgent == "" {
		id.UserAgent = pick(p.UserAgents, rng, DefaultUserAgent)
	}
	if id.Referer == "" {
		id.Referer = pick(p.Referers, rng, mirror)
	}
	return id
}

// IsBrowser reports whether ua identifies a known, non-bot browser.
func IsBrowser(ua string) bool {
	if ua == "" {
		return false
	}
	parsed := uasurfer.Parse(ua)
	if parsed.IsBot() {
		return false
	}
	return parsed.Browser.Name != uasurfer.BrowserUnknown
}

func pick(pool []string, rng *rand.Rand, fallback string) string {
	switch {
	case len(pool) == 0:
		return fallback
	case len(pool) == 1 || rng == nil:
		return pool[0]
	default:
		return pool[rng.IntN(len(pool))]
	}
}

// SeedSource hands out independent per-request random sources. A fixed seed
// makes every selection reproducible.
type SeedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeedSource seeds from seed, or from the runtime's entropy when seed is zero.
func NewSeedSource(seed uint64) *SeedSource {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &SeedSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Next returns a random source owned by the caller.
func (s *SeedSource) Next() *rand.Rand {
	s.mu.Lock()
	a, b := s.rng.Uint64(), s.rng.Uint64()
	s.mu.Unlock()
	return rand.New(rand.NewPCG(a, b))
}
