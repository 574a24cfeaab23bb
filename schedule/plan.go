package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/crosspost-io/crosspost/content"
)

type (
	// SectionRule bounds how many items a section contributes to one week.
	SectionRule struct {
		Min int `yaml:"min" json:"min"`
		Max int `yaml:"max" json:"max"`
	}

	// PlannedItem is one item assigned to a publication day.
	PlannedItem struct {
		Item content.Item `json:"item"`
		Day  time.Time    `json:"day"`
	}

	// Plan is a weekly batch: the selected items with their days, the items
	// that did not make the cut, and warnings for under-filled sections.
	Plan struct {
		WeekStart   time.Time      `json:"week_start"`
		Items       []PlannedItem  `json:"items"`
		Unscheduled []content.Item `json:"unscheduled,omitempty"`
		Warnings    []string       `json:"warnings,omitempty"`
	}
)

// DefaultSectionRules is the standing weekly mix.
func DefaultSectionRules() map[string]SectionRule {
	return map[string]SectionRule{
		"breathscape": {Min: 2, Max: 3},
		"hardware":    {Min: 1, Max: 2},
		"tips":        {Min: 1, Max: 2},
		"vision":      {Min: 0, Max: 1},
	}
}

// PlanWeek selects published items for the week starting at weekStart and
// spreads them over its seven days. Selection is greedy by priority within
// each section up to the section's Max; a section below its Min produces a
// warning, never an error. No section publishes twice on the same day.
// Sections without a rule are left unscheduled.
func PlanWeek(items []content.Item, weekStart time.Time, rules map[string]SectionRule) Plan {
	if rules == nil {
		rules = DefaultSectionRules()
	}
	weekStart = weekStart.UTC().Truncate(24 * time.Hour)
	plan := Plan{WeekStart: weekStart}

	bySection := make(map[string][]content.Item)
	for _, item := range items {
		if !item.Published {
			continue
		}
		if _, ruled := rules[item.Section]; !ruled {
			plan.Unscheduled = append(plan.Unscheduled, item)
			continue
		}
		bySection[item.Section] = append(bySection[item.Section], item)
	}

	sections := make([]string, 0, len(rules))
	for name := range rules {
		sections = append(sections, name)
	}
	sort.Strings(sections)

	taken := make(map[string]map[int]bool, len(sections))
	for idx, section := range sections {
		rule := rules[section]
		pool := bySection[section]
		// Highest priority first, stable within equal priorities.
		sort.SliceStable(pool, func(i, k int) bool { return pool[i].Priority < pool[k].Priority })

		count := len(pool)
		if count > rule.Max {
			count = rule.Max
		}
		if count < rule.Min {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("section %q has %d published item(s), below the weekly minimum of %d", section, count, rule.Min))
		}
		taken[section] = make(map[int]bool, count)
		for k := 0; k < count; k++ {
			day := sectionDay(taken[section], idx, k, count)
			taken[section][day] = true
			plan.Items = append(plan.Items, PlannedItem{
				Item: pool[k],
				Day:  weekStart.AddDate(0, 0, day),
			})
		}
		plan.Unscheduled = append(plan.Unscheduled, pool[count:]...)
	}

	sort.SliceStable(plan.Items, func(i, k int) bool {
		if !plan.Items[i].Day.Equal(plan.Items[k].Day) {
			return plan.Items[i].Day.Before(plan.Items[k].Day)
		}
		return plan.Items[i].Item.Section < plan.Items[k].Item.Section
	})
	return plan
}

// sectionDay spreads a section's k-th of count items across the week,
// staggered by the section's index so sections do not all stack on Monday.
// It returns the first free day for the section at or after the ideal slot.
func sectionDay(used map[int]bool, sectionIdx, k, count int) int {
	ideal := (sectionIdx + k*7/count) % 7
	for off := 0; off < 7; off++ {
		day := (ideal + off) % 7
		if !used[day] {
			return day
		}
	}
	return ideal
}
