package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/catalog-enrich/internal/catalog"
	"github.com/sells-group/catalog-enrich/internal/model"
)

func TestIdentify(t *testing.T) {
	t.Parallel()

	cat := catalog.Default()
	tests := []struct {
		name string
		rec  model.Record
		want Identity
	}{
		{
			name: "phone with storage and ram",
			rec:  model.Record{Name: "Samsung Galaxy S24 256GB/8GB", Category: "Celulares"},
			want: Identity{
				Brand:      "SAMSUNG",
				Category:   "smartphones",
				Model:      "galaxy s24",
				Attributes: map[string]string{"capacity": "256gb"},
			},
		},
		{
			name: "beverage volume in litres",
			rec:  model.Record{Name: "Coca-Cola Zero 1.5 L", Category: "bebidas"},
			want: Identity{
				Brand:      "COCA-COLA",
				Category:   "beverages",
				Model:      "zero",
				Attributes: map[string]string{"volume": "1500ml"},
			},
		},
		{
			name: "brand only name keeps folded name as model",
			rec:  model.Record{Name: "Coca Cola 500ml", Category: "beverages"},
			want: Identity{
				Brand:      "COCA-COLA",
				Category:   "beverages",
				Model:      "coca cola 500ml",
				Attributes: map[string]string{"volume": "500ml"},
			},
		},
		{
			name: "tv screen inches from quote",
			rec:  model.Record{Name: `TCL 55" 4K UHD Google TV`, Category: "Televisores", Brand: "tcl"},
			want: Identity{
				Brand:      "TCL",
				Category:   "televisions",
				Model:      "55 4k uhd google tv",
				Attributes: map[string]string{"screen": "55in"},
			},
		},
		{
			name: "unknown category and brand",
			rec:  model.Record{Name: "Garden Hose", Category: "Outdoor Living"},
			want: Identity{Category: "outdoor living", Model: "garden hose"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Identify(cat, tt.rec))
		})
	}
}

func TestFingerprint_IgnoresPriceRetailerAndTime(t *testing.T) {
	t.Parallel()

	cat := catalog.Default()
	a := model.Record{ID: "a", Name: "Apple iPhone 15 Pro 256GB", Category: "smartphones", Price: 999, Retailer: "shop-a", ScrapedAt: time.Now()}
	b := model.Record{ID: "b", Name: "APPLE  iPhone 15 Pro - 256 GB", Category: "Smartphone", Price: 1099, Retailer: "shop-b", ScrapedAt: time.Now().Add(-48 * time.Hour)}

	assert.Equal(t, Of(cat, a), Of(cat, b))
	assert.Len(t, Of(cat, a), 64)
}

func TestFingerprint_DistinguishesVariants(t *testing.T) {
	t.Parallel()

	cat := catalog.Default()
	a := model.Record{Name: "Apple iPhone 15 Pro 256GB", Category: "smartphones"}
	b := model.Record{Name: "Apple iPhone 15 Pro 512GB", Category: "smartphones"}
	c := model.Record{Name: "Apple iPhone 15 Pro 256GB", Category: "laptops"}

	assert.NotEqual(t, Of(cat, a), Of(cat, b))
	assert.NotEqual(t, Of(cat, a), Of(cat, c))
}

func TestIdentityText(t *testing.T) {
	t.Parallel()

	id := Identity{
		Brand:      "SAMSUNG",
		Category:   "smartphones",
		Model:      "galaxy s24",
		Attributes: map[string]string{"screen": "6.2in", "capacity": "256gb"},
	}
	assert.Equal(t, "samsung galaxy s24 smartphones capacity 256gb screen 6.2in", id.Text())
}

func TestIdentityPartition(t *testing.T) {
	t.Parallel()

	id := Identity{
		Category:   "smartphones",
		Model:      "galaxy s24",
		Attributes: map[string]string{"screen": "6.2in", "capacity": "256gb"},
	}
	assert.Equal(t, "smartphones|capacity=256gb|screen=6.2in", id.Partition())
	assert.Equal(t, "smartphones", Identity{Category: "smartphones"}.Partition())

	other := id
	other.Attributes = map[string]string{"screen": "6.2in", "capacity": "512gb"}
	assert.NotEqual(t, id.Partition(), other.Partition())
}
