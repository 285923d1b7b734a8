package domain

import "strings"

// Category is a label from the closed set the predictor was trained on.
type Category string

const (
	CategoryCashInflow       Category = "cash-inflow"
	CategoryUtilitiesExpense Category = "utilities-expense"
	CategoryLending          Category = "lending"
	CategoryEntertainment    Category = "entertainment"
	CategorySalaryExpense    Category = "salary-expense"
	CategoryTravel           Category = "travel"
	CategoryMiscExpense      Category = "misc-expense"
	CategoryInventory        Category = "inventory"
	CategoryRentalExpense    Category = "rental-expense"
	CategoryUnknown          Category = "unknown"
)

var trainedCategories = []Category{
	CategoryCashInflow,
	CategoryUtilitiesExpense,
	CategoryLending,
	CategoryEntertainment,
	CategorySalaryExpense,
	CategoryTravel,
	CategoryMiscExpense,
	CategoryInventory,
	CategoryRentalExpense,
}

// TrainedCategories returns every label a classifier may emit, without unknown.
func TrainedCategories() []Category {
	out := make([]Category, len(trainedCategories))
	copy(out, trainedCategories)
	return out
}

// Categories returns the full closed label set, unknown last.
func Categories() []Category {
	return append(TrainedCategories(), CategoryUnknown)
}

// ParseCategory accepts a label case-insensitively, with spaces or
// underscores in place of hyphens.
func ParseCategory(s string) (Category, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "-", "_", "-").Replace(norm)
	for _, c := range Categories() {
		if string(c) == norm {
			return c, true
		}
	}
	return "", false
}
