package mockbackend

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Product is a catalog entry.
type Product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Stock      int    `json:"stock"`
}

// OrderLine is one product in an order.
type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Order is a placed order.
type Order struct {
	ID         string      `json:"id"`
	Customer   string      `json:"customer"`
	Lines      []OrderLine `json:"lines"`
	TotalCents int64       `json:"total_cents"`
	CreatedAt  time.Time   `json:"created_at"`
}

// catalog is the in-memory product and order store.
type catalog struct {
	mu       sync.RWMutex
	products map[string]Product
	orders   map[string]Order
	nextID   int
}

func newCatalog() *catalog {
	c := &catalog{
		products: make(map[string]Product),
		orders:   make(map[string]Order),
	}
	for _, p := range []Product{
		{Name: "Espresso beans", PriceCents: 1499, Stock: 40},
		{Name: "Pour-over kettle", PriceCents: 4900, Stock: 12},
		{Name: "Ceramic mug", PriceCents: 1200, Stock: 75},
	} {
		c.addProduct(p)
	}
	return c
}

func (c *catalog) id(prefix string) string {
	c.nextID++
	return fmt.Sprintf("%s%d", prefix, c.nextID)
}

func (c *catalog) addProduct(p Product) Product {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.ID = c.id("")
	c.products[p.ID] = p
	return p
}

func (c *catalog) listProducts() []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

func (c *catalog) product(id string) (Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	return p, ok
}

// placeOrder reserves stock for every line or none of them.
func (c *catalog) placeOrder(customer string, lines []OrderLine, at time.Time) (Order, error) {
	if len(lines) == 0 {
		return Order{}, fmt.Errorf("order has no lines")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for _, line := range lines {
		p, ok := c.products[line.ProductID]
		if !ok {
			return Order{}, fmt.Errorf("unknown product %q", line.ProductID)
		}
		if line.Quantity <= 0 {
			return Order{}, fmt.Errorf("quantity for %q must be positive", line.ProductID)
		}
		if p.Stock < line.Quantity {
			return Order{}, fmt.Errorf("insufficient stock for %q", p.Name)
		}
		total += p.PriceCents * int64(line.Quantity)
	}
	for _, line := range lines {
		p := c.products[line.ProductID]
		p.Stock -= line.Quantity
		c.products[line.ProductID] = p
	}

	o := Order{
		ID:         c.id("ord_"),
		Customer:   customer,
		Lines:      append([]OrderLine(nil), lines...),
		TotalCents: total,
		CreatedAt:  at.UTC(),
	}
	c.orders[o.ID] = o
	return o, nil
}

func (c *catalog) ordersFor(customer string) []Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Order
	for _, o := range c.orders {
		if o.Customer == customer {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

// idLess orders generated IDs numerically within a prefix.
func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
