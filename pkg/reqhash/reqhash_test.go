package reqhash

import "testing"

func TestSumDeterministicForSamePayload(t *testing.T) {
	a := map[string]any{
		"amount":  "1000000000000000000",
		"request": map[string]any{"to": "0xabc", "method": "deposit"},
	}
	b := map[string]any{
		"request": map[string]any{"method": "deposit", "to": "0xabc"},
		"amount":  "1000000000000000000",
	}

	ha, _, err := Sum(a)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hb, _, err := Sum(b)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected same hash, got %s vs %s", ha, hb)
	}
}

func TestSumChangesWhenPayloadChanges(t *testing.T) {
	a := map[string]any{"amount": "1"}
	b := map[string]any{"amount": "2"}
	ha, _, _ := Sum(a)
	hb, _, _ := Sum(b)
	if ha == hb {
		t.Fatalf("expected different hashes")
	}
}

func TestSumBytesMatchesSum(t *testing.T) {
	h, canonical, err := Sum(map[string]any{"method": "deposit", "amount": "5"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if SumBytes(canonical) != h {
		t.Fatalf("expected digest of canonical bytes to match Sum")
	}
}

func TestCanonicalizeIgnoresStructFieldOrder(t *testing.T) {
	type ab struct {
		A string `json:"a"`
		B string `json:"b"`
	}
	type ba struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	ca, err := Canonicalize(ab{A: "1", B: "2"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	cb, err := Canonicalize(ba{A: "1", B: "2"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("expected identical canonical bytes, got %s vs %s", ca, cb)
	}
}
