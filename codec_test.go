package remapd

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		tag     string
		payload any
		want    string
	}{
		{
			name:    "empty payload",
			tag:     "Hello",
			payload: nil,
			want:    `{"Hello":{}}` + "\n",
		},
		{
			name:    "reload request",
			tag:     "Reload",
			payload: map[string]any{"wait": true, "timeout_ms": 2000},
			want:    `{"Reload":{"timeout_ms":2000,"wait":true}}` + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeMessage(tt.tag, tt.payload)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("EncodeMessage() = %q, want %q", got, tt.want)
			}
			if bytes.Count(got, []byte{'\n'}) != 1 || got[len(got)-1] != '\n' {
				t.Errorf("message is not a single newline-terminated line: %q", got)
			}
		})
	}
}

func TestDecodeTag(t *testing.T) {
	tag, raw, err := DecodeTag([]byte(`{"HelloOk":{"version":"1.9.0","protocol":2,"capabilities":["reload"]}}`))
	if err != nil {
		t.Fatal(err)
	}
	if tag != "HelloOk" {
		t.Errorf("tag = %q, want HelloOk", tag)
	}

	var payload struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Version != "1.9.0" {
		t.Errorf("version = %q, want 1.9.0", payload.Version)
	}
}

func TestDecodeTagRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", "garbage"},
		{"two keys", `{"A":{},"B":{}}`},
		{"empty object", `{}`},
		{"array", `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeTag([]byte(tt.line))
			if !errors.Is(err, ErrInvalidResponse) {
				t.Errorf("DecodeTag(%q) err = %v, want ErrInvalidResponse", tt.line, err)
			}
		})
	}
}

func TestScanForTag(t *testing.T) {
	data := []byte(`{"LayerChange":{"new":"nav"}}
not-json-at-all
{"StatusInfo":{"engine_version":"1.9.0","uptime_s":42,"ready":true}}
`)

	raw, ok := ScanForTag(data, "StatusInfo")
	if !ok {
		t.Fatal("StatusInfo not found")
	}
	var st struct {
		Ready bool `json:"ready"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Ready {
		t.Error("ready = false, want true")
	}

	if _, ok := ScanForTag(data, "ReloadResult"); ok {
		t.Error("found ReloadResult in data that has none")
	}
}
