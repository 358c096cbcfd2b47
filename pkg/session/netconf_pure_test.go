package session

import "testing"

func TestBaseCapabilities(t *testing.T) {
	hello := `<hello>
  <capabilities>
    <capability>urn:ietf:params:xml:ns:netconf:base:1.0</capability>
    <capability>urn:ietf:params:xml:ns:netconf:capability:candidate:1.0</capability>
  </capabilities>
</hello>`

	caps := baseCapabilities([]byte(hello))
	if len(caps) != 1 || caps[0] != "urn:ietf:params:xml:ns:netconf:base:1.0" {
		t.Errorf("caps = %v", caps)
	}
}

func TestCapabilityIntersectionEmpty(t *testing.T) {
	peer := []byte(`<capability>urn:ietf:params:xml:ns:netconf:base:1.1</capability>`)
	local := []byte(`<capability>urn:ietf:params:xml:ns:netconf:base:1.0</capability>`)
	if got := capabilityIntersection(peer, local); len(got) != 0 {
		t.Errorf("expected empty intersection, got %v", got)
	}
}

func TestCapabilityIntersectionNonEmpty(t *testing.T) {
	peer := []byte(`<capability>urn:ietf:params:xml:ns:netconf:base:1.0</capability>
<capability>urn:ietf:params:xml:ns:netconf:base:1.1</capability>`)
	local := []byte(`<capability>urn:ietf:params:xml:ns:netconf:base:1.0</capability>`)
	got := capabilityIntersection(peer, local)
	if len(got) != 1 || got[0] != "urn:ietf:params:xml:ns:netconf:base:1.0" {
		t.Errorf("intersection = %v", got)
	}
}
