package types

import "testing"

func TestQuorumConfigMarshalRoundTrip(t *testing.T) {
	cfg := &QuorumConfig{
		Owner:     PublicKey{0x01},
		Members:   []PublicKey{{0x01}, {0x02}, {0x03}},
		Threshold: 3,
	}
	data := cfg.MarshalCanonical()

	var decoded QuorumConfig
	if err := decoded.UnmarshalCanonical(data); err != nil {
		t.Fatalf("UnmarshalCanonical: %v", err)
	}
	if decoded.Owner != cfg.Owner {
		t.Fatalf("Owner = %v, want %v", decoded.Owner, cfg.Owner)
	}
	if decoded.Threshold != cfg.Threshold {
		t.Fatalf("Threshold = %d, want %d", decoded.Threshold, cfg.Threshold)
	}
	if len(decoded.Members) != len(cfg.Members) {
		t.Fatalf("Members = %v, want %v", decoded.Members, cfg.Members)
	}
	for i := range cfg.Members {
		if decoded.Members[i] != cfg.Members[i] {
			t.Fatalf("Members[%d] = %v, want %v", i, decoded.Members[i], cfg.Members[i])
		}
	}
}

func TestQuorumConfigHashIsStableAndSensitiveToMembership(t *testing.T) {
	a := &QuorumConfig{Owner: PublicKey{0x01}, Members: []PublicKey{{0x01}, {0x02}, {0x03}}, Threshold: 3}
	b := &QuorumConfig{Owner: PublicKey{0x01}, Members: []PublicKey{{0x01}, {0x02}, {0x03}}, Threshold: 3}
	if a.Hash() != b.Hash() {
		t.Fatalf("expected identical configurations to hash identically")
	}
	c := &QuorumConfig{Owner: PublicKey{0x01}, Members: []PublicKey{{0x01}, {0x02}, {0x04}}, Threshold: 3}
	if a.Hash() == c.Hash() {
		t.Fatalf("expected a different member set to hash differently")
	}
}
