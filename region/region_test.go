package region

import "testing"

func TestGroupRoundTrip(t *testing.T) {
	groups := []Group{Unknown, Africa, Asia, Europe, MiddleEast, SouthAmerica, US}
	for _, g := range groups {
		got := FromRaw(g.String())
		if got != g {
			t.Errorf("FromRaw(%q) = %v, want %v", g.String(), got, g)
		}
	}
}

func TestFromRawCaseInsensitive(t *testing.T) {
	cases := map[string]Group{
		"europe":      Europe,
		"Europe":      Europe,
		"EUROPE":      Europe,
		"south_america": SouthAmerica,
		"south-america": SouthAmerica,
		"middle-east": MiddleEast,
		"nonsense":    Unknown,
		"":            Unknown,
	}
	for raw, want := range cases {
		if got := FromRaw(raw); got != want {
			t.Errorf("FromRaw(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestFromEndpointKnownIDs(t *testing.T) {
	for id, want := range knownEndpointIDs {
		endpoint := id + "1234.discord.media:443"
		if got := FromEndpoint(endpoint); got != want {
			t.Errorf("FromEndpoint(%q) = %v, want %v", endpoint, got, want)
		}
	}
}

func TestFromEndpointUnknown(t *testing.T) {
	cases := []string{
		"",
		"not-an-endpoint",
		"us-west:443",       // missing numeric shard
		"us-west1234.discord.media:80", // wrong port
		"mars-colony1234.discord.media:443",
	}
	for _, endpoint := range cases {
		if got := FromEndpoint(endpoint); got != Unknown {
			t.Errorf("FromEndpoint(%q) = %v, want Unknown", endpoint, got)
		}
	}
}
