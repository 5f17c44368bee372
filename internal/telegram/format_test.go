package telegram

import "testing"

func TestFormatHTML(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"plain", "Easy run today.", "Easy run today."},
		{"emphasis", "**Hi** _there_", "<b>Hi</b> <i>there</i>"},
		{"strikethrough", "~~tempo~~ easy", "<s>tempo</s> easy"},
		{"escapes", "pace < 5:00 & HR > 150", "pace &lt; 5:00 &amp; HR &gt; 150"},
		{"heading and bullets", "# Plan\n\n- run\n- rest", "<b>Plan</b>\n\n• run\n• rest"},
		{"ordered list", "1. warm up\n2. intervals", "1. warm up\n2. intervals"},
		{"link", "[Strava](https://strava.com)", `<a href="https://strava.com">Strava</a>`},
		{"inline code", "use `/connect_strava`", "use <code>/connect_strava</code>"},
		{"code block", "```\nx < 2\n```", "<pre>x &lt; 2</pre>"},
		{"paragraphs", "one\n\ntwo", "one\n\ntwo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatHTML(tt.md); got != tt.want {
				t.Errorf("FormatHTML(%q) =\n%q\nwant\n%q", tt.md, got, tt.want)
			}
		})
	}
}

func TestFormatProfile(t *testing.T) {
	if got := FormatProfile(map[string]any{}); got != ProfileEmpty {
		t.Errorf("empty profile = %q", got)
	}
	got := FormatProfile(map[string]any{"city": "Київ", "goal": "<3h"})
	want := "📂 <b>PROFILE:</b>\n<pre>{\n  \"city\": \"Київ\",\n  \"goal\": \"&lt;3h\"\n}</pre>"
	if got != want {
		t.Errorf("FormatProfile() =\n%s\nwant\n%s", got, want)
	}
}
