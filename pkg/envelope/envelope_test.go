package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/dd0wney/cluso-portal/pkg/encryption"
)

const testPassphrase = "envelope-test-passphrase"

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func newTestBuilder(t *testing.T, opts ...BuilderOption) (*Builder, *testClock) {
	t.Helper()
	clock := &testClock{t: time.UnixMilli(1700000000000)}
	codec := encryption.NewCodec(encryption.NewKeyDeriver(testPassphrase))
	codec.SetClock(clock.Now)
	return NewBuilder(codec, opts...), clock
}

func TestBuilder_Create(t *testing.T) {
	b, _ := newTestBuilder(t)

	env, err := b.Create(map[string]any{"username": "alice"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if !env.Encrypted {
		t.Error("Encrypted = false, want true")
	}
	if env.Algorithm != AlgorithmGCM {
		t.Errorf("Algorithm = %q, want %q", env.Algorithm, AlgorithmGCM)
	}
	if env.Timestamp != 1700000000000 {
		t.Errorf("Timestamp = %d", env.Timestamp)
	}
	if env.Signature != "" {
		t.Error("Signature set without a signer")
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != encryption.NonceSize {
		t.Errorf("nonce = %q, want %d base64 bytes", env.Nonce, encryption.NonceSize)
	}

	env2, _ := b.Create(map[string]any{"username": "alice"})
	if env.Nonce == env2.Nonce {
		t.Error("nonce reused across envelopes")
	}
	if env.IV == env2.IV {
		t.Error("IV reused across envelopes")
	}
}

func TestBuilder_CreateSigned(t *testing.T) {
	signer := encryption.NewSigner("hmac-secret")
	b, _ := newTestBuilder(t, WithSigner(signer))

	env, err := b.Create("payload")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := VerifySignature(signer, env); err != nil {
		t.Errorf("VerifySignature() = %v", err)
	}
	if err := VerifySignature(encryption.NewSigner("other"), env); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("VerifySignature(wrong secret) = %v, want %v", err, ErrInvalidSignature)
	}

	env.Timestamp++
	if err := VerifySignature(signer, env); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("VerifySignature(modified timestamp) = %v, want %v", err, ErrInvalidSignature)
	}
}

func TestBuilder_OpenRoundTrip(t *testing.T) {
	b, _ := newTestBuilder(t)
	payload := map[string]any{"username": "alice", "password": "secret"}

	env, err := b.Create(payload)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := b.Open(env)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Errorf("Open() = %#v, want %#v", got, payload)
	}
}

func TestBuilder_ReplayWindow(t *testing.T) {
	tests := []struct {
		name    string
		age     time.Duration
		wantErr error
	}{
		{"fresh", 0, nil},
		{"just inside", 4*time.Minute + 59*time.Second, nil},
		{"just outside", 5*time.Minute + time.Second, ErrRequestExpired},
		{"far future", -10 * time.Minute, ErrRequestExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBuilder(t)
			start := clock.t

			env, err := b.Create("x")
			if err != nil {
				t.Fatalf("Create() failed: %v", err)
			}

			clock.t = start.Add(tt.age)
			_, err = b.OpenWithMaxAge(env, 5*time.Minute)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("OpenWithMaxAge() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuilder_OpenRejectsMalformed(t *testing.T) {
	b, _ := newTestBuilder(t)
	env, _ := b.Create("x")

	noData := *env
	noData.Data = ""
	if _, err := b.Open(&noData); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Open(no data) = %v, want %v", err, ErrInvalidPayload)
	}

	noIV := *env
	noIV.IV = ""
	if _, err := b.Open(&noIV); !errors.Is(err, ErrMissingFields) {
		t.Errorf("Open(no iv) = %v, want %v", err, ErrInvalidPayload)
	}

	if _, err := b.Open(nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Open(nil) = %v, want %v", err, ErrInvalidPayload)
	}

	cbc := *env
	cbc.Algorithm = AlgorithmCBC
	if _, err := b.Open(&cbc); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("Open(cbc) = %v, want %v", err, ErrUnsupportedAlgorithm)
	}
}

func TestBuilder_OpenDetectsTampering(t *testing.T) {
	b, _ := newTestBuilder(t)
	env, _ := b.Create("sensitive")

	ct, _ := base64.StdEncoding.DecodeString(env.Data)
	ct[0] ^= 0xff
	env.Data = base64.StdEncoding.EncodeToString(ct)

	if _, err := b.Open(env); !errors.Is(err, encryption.ErrAuthenticationFailed) {
		t.Errorf("Open(tampered) = %v, want %v", err, encryption.ErrAuthenticationFailed)
	}
}

func TestIsEnvelope(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, false},
		{"string", "encrypted", false},
		{"number", 42, false},
		{"bool", true, false},
		{"array", []any{true, "data", "iv"}, false},
		{"nil map", map[string]any(nil), false},
		{"empty map", map[string]any{}, false},
		{"missing iv", map[string]any{"encrypted": true, "data": "x"}, false},
		{"missing data", map[string]any{"encrypted": true, "iv": "x"}, false},
		{"encrypted false", map[string]any{"encrypted": false, "data": "x", "iv": "y"}, false},
		{"encrypted string", map[string]any{"encrypted": "true", "data": "x", "iv": "y"}, false},
		{"valid map", map[string]any{"encrypted": true, "data": "x", "iv": "y"}, true},
		{"nil pointer", (*Envelope)(nil), false},
		{"struct", &Envelope{Encrypted: true, Data: "x", IV: "y"}, true},
		{"raw json", json.RawMessage(`{"encrypted":true,"data":"x","iv":"y"}`), true},
		{"raw non-object", []byte(`[1,2]`), false},
		{"raw garbage", []byte(`{not json`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEnvelope(tt.in); got != tt.want {
				t.Errorf("IsEnvelope(%#v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	body, err := Decode([]byte(`{"username":"alice"}`))
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	plain, ok := body.(PlainBody)
	if !ok {
		t.Fatalf("Decode() = %T, want PlainBody", body)
	}
	if plain.Value.(map[string]any)["username"] != "alice" {
		t.Errorf("PlainBody.Value = %#v", plain.Value)
	}

	body, err = Decode([]byte(`{"encrypted":true,"data":"ZGF0YQ==","iv":"aXY=","timestamp":1,"algorithm":"AES-256-GCM"}`))
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	sealed, ok := body.(EnvelopeBody)
	if !ok {
		t.Fatalf("Decode() = %T, want EnvelopeBody", body)
	}
	if sealed.Envelope.Data != "ZGF0YQ==" || sealed.Envelope.Timestamp != 1 {
		t.Errorf("EnvelopeBody.Envelope = %+v", sealed.Envelope)
	}

	if _, err := Decode([]byte(`{"encrypted":true,"data":"","iv":"aXY="}`)); !errors.Is(err, ErrMissingFields) {
		t.Errorf("Decode(empty data) error = %v, want %v", err, ErrMissingFields)
	}
	if _, err := Decode([]byte(`{"encrypted":true,"data":5,"iv":"aXY="}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Decode(numeric data) error = %v, want %v", err, ErrInvalidPayload)
	}
	if _, err := Decode([]byte(`{"encrypted":true,"data":"x","iv":"y","algorithm":"ROT13"}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Decode(bad algorithm) error = %v, want %v", err, ErrInvalidPayload)
	}
	if _, err := Decode([]byte(`{bad`)); err == nil {
		t.Error("Decode(invalid json) should fail")
	}

	body, err = Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil) failed: %v", err)
	}
	if _, ok := body.(PlainBody); !ok {
		t.Errorf("Decode(nil) = %T, want PlainBody", body)
	}
}

func TestCanonicalString(t *testing.T) {
	env := &Envelope{Data: "d", IV: "i", Timestamp: 1700000000000, Nonce: "n"}
	if got := CanonicalString(env); got != "d:i:1700000000000:n" {
		t.Errorf("CanonicalString() = %q", got)
	}

	env.Nonce = ""
	if got := CanonicalString(env); got != "d:i:1700000000000:" {
		t.Errorf("CanonicalString(no nonce) = %q", got)
	}
}

func TestReplayGuard(t *testing.T) {
	guard, err := NewReplayGuard(16)
	if err != nil {
		t.Fatalf("NewReplayGuard() failed: %v", err)
	}
	clock := &testClock{t: time.UnixMilli(1700000000000)}
	guard.SetClock(clock.Now)

	env := &Envelope{Nonce: "abc", IV: "iv-1", Timestamp: clock.t.UnixMilli()}

	if err := guard.Seen(env); err != nil {
		t.Fatalf("Seen() before Record() = %v", err)
	}
	if err := guard.Seen(env); err != nil {
		t.Fatalf("Seen() must not record, got %v", err)
	}
	if err := guard.Record(env, 5*time.Minute); err != nil {
		t.Fatalf("first Record() = %v", err)
	}
	if err := guard.Seen(env); !errors.Is(err, ErrRequestReplayed) {
		t.Errorf("Seen() after Record() = %v, want %v", err, ErrRequestReplayed)
	}
	if err := guard.Record(env, 5*time.Minute); !errors.Is(err, ErrRequestReplayed) {
		t.Errorf("second Record() = %v, want %v", err, ErrRequestReplayed)
	}

	// Once the window closes the entry no longer matters
	clock.t = clock.t.Add(6 * time.Minute)
	if err := guard.Record(env, 5*time.Minute); err != nil {
		t.Errorf("Record() after window = %v", err)
	}
	if guard.Len() != 1 {
		t.Errorf("Len() = %d, want 1", guard.Len())
	}
}

func TestReplayGuard_MissingNonce(t *testing.T) {
	guard, err := NewReplayGuard(16)
	if err != nil {
		t.Fatalf("NewReplayGuard() failed: %v", err)
	}
	env := &Envelope{IV: "iv", Timestamp: time.Now().UnixMilli()}

	if err := guard.Seen(env); !errors.Is(err, ErrNonceRequired) {
		t.Errorf("Seen(no nonce) = %v, want %v", err, ErrNonceRequired)
	}
	if err := guard.Record(env, time.Minute); !errors.Is(err, ErrNonceRequired) {
		t.Errorf("Record(no nonce) = %v, want %v", err, ErrNonceRequired)
	}
	if guard.Len() != 0 {
		t.Errorf("Len() = %d, want 0", guard.Len())
	}
}

func TestReplayGuard_RewrittenNonce(t *testing.T) {
	guard, err := NewReplayGuard(16)
	if err != nil {
		t.Fatalf("NewReplayGuard() failed: %v", err)
	}
	now := time.Now().UnixMilli()

	if err := guard.Record(&Envelope{Nonce: "n1", IV: "same-iv", Timestamp: now}, time.Minute); err != nil {
		t.Fatalf("Record() = %v", err)
	}
	replayed := &Envelope{Nonce: "n2", IV: "same-iv", Timestamp: now}
	if err := guard.Seen(replayed); !errors.Is(err, ErrRequestReplayed) {
		t.Errorf("Seen(rewritten nonce) = %v, want %v", err, ErrRequestReplayed)
	}
}

func TestOpenTree(t *testing.T) {
	b, _ := newTestBuilder(t)

	inner, _ := b.Create(map[string]any{"iban": "DE00"})
	deeper, _ := b.Create("pin")

	toValue := func(env *Envelope) any {
		raw, _ := json.Marshal(env)
		var v any
		_ = json.Unmarshal(raw, &v)
		return v
	}

	tree := map[string]any{
		"service": "accounts",
		"bo": []any{
			map[string]any{"input": map[string]any{"fields": toValue(inner)}},
			map[string]any{"list": []any{1.0, toValue(deeper)}},
		},
	}

	got, n, err := OpenTree(tree, b.Open)
	if err != nil {
		t.Fatalf("OpenTree() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("OpenTree() opened %d envelopes, want 2", n)
	}

	want := map[string]any{
		"service": "accounts",
		"bo": []any{
			map[string]any{"input": map[string]any{"fields": map[string]any{"iban": "DE00"}}},
			map[string]any{"list": []any{1.0, "pin"}},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("OpenTree() = %#v, want %#v", got, want)
	}

	// input is untouched
	fields := tree["bo"].([]any)[0].(map[string]any)["input"].(map[string]any)["fields"]
	if !IsEnvelope(fields) {
		t.Error("OpenTree() modified its input")
	}
}

func TestOpenTree_PropagatesErrors(t *testing.T) {
	b, _ := newTestBuilder(t)
	tree := []any{map[string]any{"encrypted": true, "data": "", "iv": "x"}}

	if _, _, err := OpenTree(tree, b.Open); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("OpenTree() error = %v, want %v", err, ErrInvalidPayload)
	}
}
