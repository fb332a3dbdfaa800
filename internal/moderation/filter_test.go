package moderation

import (
	"strings"
	"testing"
)

func TestNewFilter_DefaultBlocklist(t *testing.T) {
	f := NewFilter()
	if len(f.words) == 0 || len(f.phrases) == 0 {
		t.Fatal("NewFilter should load words and phrases")
	}
	if r := f.Check("just kys"); !r.Blocked {
		t.Error("default blocklist should block \"kys\"")
	}
}

func TestCheck_Keywords(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "kill yourself", "", "   "})

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"exact word", "badword", true, "badword"},
		{"word in sentence with punctuation", "hello, BadWord!", true, "badword"},
		{"longer word is fine", "badwording is fine", false, ""},
		{"glued prefix is fine", "mybadword", false, ""},
		{"phrase", "you should kill yourself now", true, "kill yourself"},
		{"phrase split apart", "kill and yourself", false, ""},
		{"leet zero and at", "b@dw0rd", true, "badword"},
		{"leet in phrase", "k!ll y0urself", true, "kill yourself"},
		{"clean", "nice to meet you", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := f.Check(tt.input)
			if r.Blocked != tt.blocked {
				t.Fatalf("Check(%q).Blocked = %v, want %v", tt.input, r.Blocked, tt.blocked)
			}
			if tt.blocked && (r.Term != tt.term || r.Reason != "blocked_keyword") {
				t.Errorf("Check(%q) = %+v, want term %q reason blocked_keyword", tt.input, r, tt.term)
			}
		})
	}
}

func TestNormalizeLeet(t *testing.T) {
	tests := map[string]string{
		"h3ll0":  "hello",
		"$h!t":   "shit",
		"ch@ng3": "change",
		"UPPER":  "upper",
	}
	for in, want := range tests {
		if got := normalizeLeet(in); got != want {
			t.Errorf("normalizeLeet(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTokenizePlain(t *testing.T) {
	got := strings.Join(tokenizePlain("  Hello---world, again! "), "|")
	if got != "hello|world|again" {
		t.Errorf("tokenizePlain = %q", got)
	}
	if toks := tokenizePlain(""); len(toks) != 0 {
		t.Errorf("tokenizePlain(\"\") = %v, want empty", toks)
	}
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		mediaRef string
		wantErr  bool
	}{
		{"plain text", "hello", "", false},
		{"media only", "", "media/abc.jpg", false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), "", true},
		{"too many runes", strings.Repeat("é", MaxTextChars+1), "", true},
		{"max runes ok", strings.Repeat("é", MaxTextChars), "", false},
		{"invalid utf8", "bad \xff byte", "", true},
		{"huge media ref", "hi", strings.Repeat("m", MaxMediaRef+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text, tt.mediaRef)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
