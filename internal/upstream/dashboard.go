package upstream

import (
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/smallbiznis/adminis/internal/account/domain"
	"golang.org/x/net/html"
)

var (
	ErrLoginPage = errors.New("login_page")

	propertyIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	unitPattern       = regexp.MustCompile(`(?i),\s*ap\.\s*([^,]+)`)
	parkingUnit       = regexp.MustCompile(`^[PS]\d`)
	storageUnit       = regexp.MustCompile(`^B\d`)
)

// ParseDashboard extracts properties from the account dashboard. Elements
// carrying data-code are properties and their text is the address.
// ErrLoginPage is returned when the page is the login form instead.
func ParseDashboard(r io.Reader) ([]domain.Property, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var (
		props       []domain.Property
		seen        = map[string]bool{}
		assoc       string
		ownAssoc    = map[string]string{}
		hasPassword bool
	)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Data == "input" && strings.EqualFold(attr(n, "name"), "password") {
				hasPassword = true
			}
			if a := strings.TrimSpace(attr(n, "data-assoc")); a != "" && assoc == "" {
				assoc = a
			}
			if id := strings.TrimSpace(attr(n, "data-code")); propertyIDPattern.MatchString(id) && !seen[id] {
				seen[id] = true
				address := collapseSpace(textOf(n))
				unit, kind := ClassifyAddress(address)
				props = append(props, domain.Property{
					ID:      id,
					Address: address,
					Kind:    kind,
					Unit:    unit,
				})
				if a := strings.TrimSpace(attr(n, "data-assoc")); a != "" {
					ownAssoc[id] = a
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(props) == 0 && hasPassword {
		return nil, ErrLoginPage
	}
	for i := range props {
		if a, ok := ownAssoc[props[i].ID]; ok {
			props[i].AssociationID = a
		} else {
			props[i].AssociationID = assoc
		}
	}
	return props, nil
}

// ClassifyAddress derives the unit label and kind from an address such as
// "Str. Exemplu nr. 1, bloc A1, scara A, ap. 12, Iasi".
func ClassifyAddress(address string) (string, domain.PropertyKind) {
	upper := strings.ToUpper(address)
	var unit string
	if m := unitPattern.FindStringSubmatch(address); m != nil {
		unit = strings.TrimSpace(m[1])
	}
	unitUpper := strings.ToUpper(unit)

	switch {
	case strings.Contains(upper, "PARCARI") || strings.Contains(upper, "PARCARE") || parkingUnit.MatchString(unitUpper):
		return unit, domain.PropertyKindParking
	case strings.Contains(upper, "BOXA") || strings.Contains(upper, "BOXE") || storageUnit.MatchString(unitUpper):
		return unit, domain.PropertyKindStorageBox
	case unit != "":
		return unit, domain.PropertyKindApartment
	default:
		return "", domain.PropertyKindOther
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textOf returns the text directly owned by n up to the first nested
// element that is itself a property.
func textOf(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(c *html.Node) {
		switch c.Type {
		case html.TextNode:
			b.WriteString(c.Data)
			b.WriteByte(' ')
		case html.ElementNode:
			if c != n && attr(c, "data-code") != "" {
				return
			}
			if c.Data == "script" || c.Data == "style" {
				return
			}
		}
		for child := c.FirstChild; child != nil; child = child.NextSibling {
			collect(child)
		}
	}
	collect(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
