// Package menu fetches today's cafeteria menu and renders it for bell
// messages.
package menu

import "time"

const DefaultURL = "https://snuco.snu.ac.kr/foodmenu/"

// Restaurants lists the scraped restaurants in display order.
var Restaurants = []string{
	"학생회관식당",
	"3식당",
	"자하연식당 2층",
	"예술계식당",
	"두레미담",
}

// selfCornerOnly restaurants list several counters; only the self-service
// one is shown.
var selfCornerOnly = map[string]bool{"두레미담": true}

const maxItems = 5

type MealType string

const (
	Breakfast MealType = "breakfast"
	Lunch     MealType = "lunch"
	Dinner    MealType = "dinner"
)

type Meal struct {
	Type  MealType `json:"meal_type"`
	Menus []string `json:"menus"`
}

type Restaurant struct {
	Name      string `json:"name"`
	Breakfast *Meal  `json:"breakfast"`
	Lunch     *Meal  `json:"lunch"`
	Dinner    *Meal  `json:"dinner"`
	// Selected is the meal to show at fetch time.
	Selected *Meal `json:"selected_meal"`
}

type Today struct {
	Date        string       `json:"date"`
	Restaurants []Restaurant `json:"restaurants"`
	FetchError  string       `json:"fetch_error,omitempty"`
}

func (t Today) OK() bool { return t.FetchError == "" && len(t.Restaurants) > 0 }

// selectMeal picks the meal being served at now, else the next one, else any.
func selectMeal(r Restaurant, now time.Time) *Meal {
	has := func(m *Meal) bool { return m != nil && len(m.Menus) > 0 }
	var order []*Meal
	switch h := now.Hour(); {
	case h < 10:
		order = []*Meal{r.Breakfast, r.Lunch}
	case h < 15:
		order = []*Meal{r.Lunch, r.Dinner}
	default:
		order = []*Meal{r.Dinner, r.Lunch}
	}
	order = append(order, r.Lunch, r.Dinner, r.Breakfast)
	for _, m := range order {
		if has(m) {
			return m
		}
	}
	return nil
}
