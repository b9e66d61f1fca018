package remapd

import (
	"errors"
	"testing"
)

func TestParseReloadReply(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    ReloadOutcome
		wantErr bool
	}{
		{
			name: "structured full",
			data: `{"ReloadResult":{"ready":true,"timeout_ms":2000,"ok":true,"duration_ms":12,"epoch":3}}`,
			want: ReloadOutcome{Success: true, Ready: true, DurationMS: 12, Epoch: 3, Parser: "structured"},
		},
		{
			name: "structured without ok falls back to ready",
			data: `{"ReloadResult":{"ready":true,"timeout_ms":2000}}`,
			want: ReloadOutcome{Success: true, Ready: true, Parser: "structured"},
		},
		{
			name: "structured failure",
			data: `{"ReloadResult":{"ready":false,"timeout_ms":2000,"ok":false}}`,
			want: ReloadOutcome{Parser: "structured"},
		},
		{
			name: "legacy status ok",
			data: `{"status":"Ok"}`,
			want: ReloadOutcome{Success: true, Ready: true, Parser: "legacy"},
		},
		{
			name: "legacy prose line",
			data: "Live reload successful\n",
			want: ReloadOutcome{Success: true, Ready: true, Parser: "legacy"},
		},
		{
			name: "legacy error with message",
			data: `{"status":"Error","msg":"unknown key chord"}`,
			want: ReloadOutcome{Message: "unknown key chord", Parser: "legacy"},
		},
		{
			name: "structured wins over legacy markers in same reply",
			data: `{"status":"Ok"}` + "\n" + `{"ReloadResult":{"ready":true,"ok":true,"epoch":9}}`,
			want: ReloadOutcome{Success: true, Ready: true, Epoch: 9, Parser: "structured"},
		},
		{
			name:    "unrecognized",
			data:    `{"Something":"else"}`,
			wantErr: true,
		},
		{
			name:    "empty",
			data:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReloadReply([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidResponse) {
					t.Fatalf("ParseReloadReply() = %v, want ErrInvalidResponse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseReloadReply() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseReloadReply() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLegacyParserIgnoresStructured(t *testing.T) {
	p := &LegacyReloadParser{}
	_, ok := p.Parse([]byte(`{"ReloadResult":{"ready":true}}`))
	if ok {
		t.Error("legacy parser matched a structured reply")
	}
}

func TestStructuredParserIgnoresLegacy(t *testing.T) {
	p := &StructuredReloadParser{}
	_, ok := p.Parse([]byte(`{"status":"Ok"}`))
	if ok {
		t.Error("structured parser matched a legacy reply")
	}
}
