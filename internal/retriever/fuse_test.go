package retriever

import (
	"math"
	"testing"
)

func doc(id string) Document {
	return Document{ID: id, Content: "content of " + id, Metadata: map[string]any{"dataset": "d"}}
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestFuseBothListsOutrankSingle(t *testing.T) {
	dense := []Document{doc("a"), doc("b"), doc("c")}
	lexical := []Document{doc("b"), doc("d")}

	got := Fuse(dense, lexical, 0)

	// b appears in both lists and must rank first even though a leads the
	// dense list.
	if got[0].ID != "b" {
		t.Fatalf("top result = %q, expected b (got order %v)", got[0].ID, ids(got))
	}
	want := 1.0/float64(RRFConstant+2) + 1.0/float64(RRFConstant+1)
	if math.Abs(got[0].Score-want) > 1e-12 {
		t.Errorf("fused score = %v, expected %v", got[0].Score, want)
	}
}

func TestFuseSingleListCandidatesParticipate(t *testing.T) {
	dense := []Document{doc("a")}
	lexical := []Document{doc("z")}

	got := Fuse(dense, lexical, 0)
	if len(got) != 2 {
		t.Fatalf("len = %d, expected 2", len(got))
	}
	// Equal scores: tie broken by id.
	if got[0].ID != "a" || got[1].ID != "z" {
		t.Errorf("order = %v, expected [a z]", ids(got))
	}
}

func TestFuseTieBreakByID(t *testing.T) {
	tests := []struct {
		name    string
		dense   []Document
		lexical []Document
		want    []string
	}{
		{
			name:    "same rank in opposite lists",
			dense:   []Document{doc("b"), doc("a")},
			lexical: []Document{doc("a"), doc("b")},
			want:    []string{"a", "b"},
		},
		{
			name:    "dense only preserves rank order",
			dense:   []Document{doc("c"), doc("a"), doc("b")},
			lexical: nil,
			want:    []string{"c", "a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(Fuse(tt.dense, tt.lexical, 0))
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, expected %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("order = %v, expected %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestFuseTruncatesToK(t *testing.T) {
	dense := []Document{doc("a"), doc("b"), doc("c"), doc("d")}
	got := Fuse(dense, nil, 2)
	if len(got) != 2 {
		t.Errorf("len = %d, expected 2", len(got))
	}
}

func TestFuseEmptyInputs(t *testing.T) {
	if got := Fuse(nil, nil, 5); len(got) != 0 {
		t.Errorf("expected empty result, got %v", ids(got))
	}
}

func TestDocumentDistance(t *testing.T) {
	d := Document{Metadata: map[string]any{"distance": 0.25}}
	if got := d.Distance(); got != 0.25 {
		t.Errorf("Distance() = %v, expected 0.25", got)
	}
	if got := (Document{}).Distance(); got != 0 {
		t.Errorf("Distance() on empty metadata = %v, expected 0", got)
	}
}
