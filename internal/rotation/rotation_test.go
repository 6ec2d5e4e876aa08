package rotation_test

import (
	"fmt"
	"testing"

	"github.com/koopa0/system-design/link-rotator/internal/rotation"
	"github.com/stretchr/testify/assert"
)

func TestSelectLink(t *testing.T) {
	tests := []struct {
		name       string
		links      []string
		clickCount int64
		want       string
	}{
		{name: "empty pool", links: nil, clickCount: 1, want: ""},
		{name: "empty pool zero count", links: []string{}, clickCount: 0, want: ""},
		{name: "single link", links: []string{"L0"}, clickCount: 7, want: "L0"},
		{name: "first click picks index one", links: []string{"L0", "L1"}, clickCount: 1, want: "L1"},
		{name: "second click wraps", links: []string{"L0", "L1"}, clickCount: 2, want: "L0"},
		{name: "zero count", links: []string{"L0", "L1", "L2"}, clickCount: 0, want: "L0"},
		{name: "large count", links: []string{"L0", "L1", "L2"}, clickCount: 1_000_000_001, want: "L2"},
		{name: "negative count normalized", links: []string{"L0", "L1", "L2"}, clickCount: -1, want: "L2"},
		{name: "empty entries kept", links: []string{"", "L1"}, clickCount: 2, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rotation.SelectLink(tt.links, tt.clickCount))
		})
	}
}

// TestSelectLink_Modulo 對所有 c 與 N 驗證 pool[c mod N]
func TestSelectLink_Modulo(t *testing.T) {
	for n := 1; n <= 7; n++ {
		pool := make([]string, n)
		for i := range pool {
			pool[i] = fmt.Sprintf("link-%d", i)
		}

		for c := int64(0); c < 50; c++ {
			assert.Equal(t, pool[c%int64(n)], rotation.SelectLink(pool, c), "n=%d c=%d", n, c)
		}
	}
}

func TestSelectLink_EmptyPoolAlwaysEmpty(t *testing.T) {
	for c := int64(-3); c < 20; c++ {
		assert.Empty(t, rotation.SelectLink(nil, c))
	}
}
