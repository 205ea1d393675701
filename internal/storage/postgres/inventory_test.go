package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xenking/aromaticus/internal/domain/inventory"
)

// Every stock update locks product rows in this order, so the sweeper and
// concurrent reservations cannot deadlock each other.
func TestSortedLines(t *testing.T) {
	got := sortedLines([]inventory.Line{
		{ProductID: "vetiver", Ml: 10},
		{ProductID: "amber", Ml: 5},
		{ProductID: "vetiver", Ml: 20},
		{ProductID: "musk", Ml: 50},
		{ProductID: "amber", Ml: 1},
	})

	assert.Equal(t, []inventory.Line{
		{ProductID: "amber", Ml: 6},
		{ProductID: "musk", Ml: 50},
		{ProductID: "vetiver", Ml: 30},
	}, got)
	assert.Empty(t, sortedLines(nil))
}
