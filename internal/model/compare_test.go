package model

import (
	"testing"
	"time"
)

func block(lamport uint64, ts time.Time, did string) SignatureBlock {
	return SignatureBlock{AuthorDID: did, LamportClock: lamport, Timestamp: ts}
}

func TestSignatureBlock_Compare(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b SignatureBlock
		want int
	}{
		{
			name: "higher lamport wins",
			a:    block(5, base, "did:p2p:aaa"),
			b:    block(3, base.Add(time.Hour), "did:p2p:zzz"),
			want: 1,
		},
		{
			name: "equal lamport falls through to timestamp",
			a:    block(5, base.Add(time.Second), "did:p2p:aaa"),
			b:    block(5, base, "did:p2p:zzz"),
			want: 1,
		},
		{
			name: "equal lamport and timestamp falls through to DID",
			a:    block(5, base, "did:p2p:zzz"),
			b:    block(5, base, "did:p2p:aaa"),
			want: 1,
		},
		{
			name: "identical blocks compare equal",
			a:    block(5, base, "did:p2p:aaa"),
			b:    block(5, base, "did:p2p:aaa"),
			want: 0,
		},
		{
			name: "timestamps compared in UTC regardless of zone",
			a:    block(5, base.In(time.FixedZone("X", 3600)), "did:p2p:aaa"),
			b:    block(5, base, "did:p2p:aaa"),
			want: 0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
			// Antisymmetry
			if got := tt.b.Compare(tt.a); got != -tt.want {
				t.Errorf("reverse Compare() = %d, want %d", got, -tt.want)
			}
		})
	}
}

func TestSignatureBlock_CompareIsTotal(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	blocks := []SignatureBlock{
		block(1, base, "did:p2p:a"),
		block(1, base, "did:p2p:b"),
		block(1, base.Add(time.Minute), "did:p2p:a"),
		block(2, base, "did:p2p:a"),
	}

	// Any two distinct blocks must order one way or the other.
	for i := range blocks {
		for j := range blocks {
			if i == j {
				continue
			}
			if blocks[i].Compare(blocks[j]) == 0 {
				t.Errorf("blocks %d and %d compare equal, want a strict order", i, j)
			}
		}
	}
}
