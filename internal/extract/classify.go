package extract

import "strings"

// Classifier maps free-text alarm titles onto the canonical alarm types of a
// catalog snapshot. Matching is keyword based: a title belongs to a type when
// every whitespace-delimited keyword of the type appears as a substring of
// the lowercased title. The first catalog entry that matches wins, so catalog
// order is significant and is preserved exactly as configured.
type Classifier struct {
	types    []string
	keywords [][]string
}

func NewClassifier(alarmTypes []string) *Classifier {
	c := &Classifier{
		types:    append([]string(nil), alarmTypes...),
		keywords: make([][]string, 0, len(alarmTypes)),
	}
	for _, t := range alarmTypes {
		c.keywords = append(c.keywords, strings.Fields(strings.ToLower(t)))
	}
	return c
}

// Types returns the catalog snapshot this classifier was built from.
func (c *Classifier) Types() []string {
	return c.types
}

// Contains reports whether alarmType is a member of the catalog snapshot.
func (c *Classifier) Contains(alarmType string) bool {
	for _, t := range c.types {
		if t == alarmType {
			return true
		}
	}
	return false
}

// Classify returns the canonical type for a raw title, or false if the title
// matches no catalog entry. Unclassifiable titles are dropped upstream; a
// miss is not an error.
func (c *Classifier) Classify(rawTitle string) (string, bool) {
	title := strings.ToLower(rawTitle)
	for i, keywords := range c.keywords {
		if len(keywords) == 0 {
			continue
		}
		matched := true
		for _, kw := range keywords {
			if !strings.Contains(title, kw) {
				matched = false
				break
			}
		}
		if matched {
			return c.types[i], true
		}
	}
	return "", false
}
