package extractor

import "testing"

func TestExtract(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "quoted hex hashes",
			content: `something("b456855ec667950dcf68") + other("cfb9efe961b2bf3647bc")`,
			want:    []string{"b456855ec667950dcf68", "cfb9efe961b2bf3647bc"},
		},
		{
			name:    "chunk hash table",
			content: `__webpack_require__.u=e=>""+({87494:"2681623fb3f7aa56",99979:"575c2e07eec17302"})[e]+".js"`,
			want:    []string{"2681623fb3f7aa56", "575c2e07eec17302"},
		},
		{
			name:    "chunk ids in exponent form",
			content: `{1e4:"b6b788238d60d9e8",10018:"5a6163200c89c118"}`,
			want:    []string{"b6b788238d60d9e8", "5a6163200c89c118"},
		},
		{
			name:    "export assignment",
			content: `n.exports=a.p+"40532.f4ff6c4a39fa78f07880.css"`,
			want:    []string{"40532.f4ff6c4a39fa78f07880.css"},
		},
		{
			name:    "asset url",
			content: `background: url(/assets/e689380400b1f2d2c6320a823a1ab079.svg)`,
			want:    []string{"e689380400b1f2d2c6320a823a1ab079.svg"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			refs := Extract(tc.content)
			for _, w := range tc.want {
				if !refs.Has(w) {
					t.Fatalf("expected %q in %v", w, refs.Sorted())
				}
			}
		})
	}
}

func TestExtractNoFalsePositives(t *testing.T) {
	for _, content := range []string{"var x=42;", "var x = 42; function hello() {}", ""} {
		if refs := Extract(content); len(refs) != 0 {
			t.Fatalf("expected no refs for %q, got %v", content, refs.Sorted())
		}
	}
}

func TestExtractDeduplicates(t *testing.T) {
	content := `a("b456855ec667950dcf68");b("b456855ec667950dcf68");url(/assets/x1.png) url(/assets/x1.png)`
	refs := Extract(content)
	if len(refs) != 2 {
		t.Fatalf("expected 2 unique refs, got %v", refs.Sorted())
	}
	got := refs.Sorted()
	if got[0] != "b456855ec667950dcf68" || got[1] != "x1.png" {
		t.Fatalf("unexpected sorted refs %v", got)
	}
}

func TestExtractIgnoresWrongLengthHashes(t *testing.T) {
	// 19 and 21 hex chars do not look like content hashes.
	refs := Extract(`f("b456855ec667950dcf6") g("b456855ec667950dcf68a")`)
	if len(refs) != 0 {
		t.Fatalf("expected no refs, got %v", refs.Sorted())
	}
}
