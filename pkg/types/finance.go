// Package types holds the records the service caches.
package types

import (
	"time"
)

// Vendor is a supplier ("fornecedor") record.
type Vendor struct {
	ID        string    `json:"id" firestore:"id"`
	Name      string    `json:"name" firestore:"name"`
	TaxID     string    `json:"taxId" firestore:"taxId"`
	Active    bool      `json:"active" firestore:"active"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// Account is a payable or receivable ("conta").
type Account struct {
	ID         string    `json:"id" firestore:"id"`
	VendorID   string    `json:"vendorId" firestore:"vendorId"`
	CategoryID string    `json:"categoryId" firestore:"categoryId"`
	Amount     float64   `json:"amount" firestore:"amount"`
	DueDate    time.Time `json:"dueDate" firestore:"dueDate"`
	Paid       bool      `json:"paid" firestore:"paid"`
}

// Category groups accounts on the income statement ("categoria").
type Category struct {
	ID   string `json:"id" firestore:"id"`
	Name string `json:"name" firestore:"name"`
	// Kind is "revenue" or "expense".
	Kind string `json:"kind" firestore:"kind"`
}

// DRELine is one row of the income statement (DRE) for a month.
type DRELine struct {
	Period   string  `json:"period" bigquery:"period"`
	Category string  `json:"category" bigquery:"category"`
	Kind     string  `json:"kind" bigquery:"kind"`
	Total    float64 `json:"total" bigquery:"total"`
}
