package xmpp

import "strings"

// domainList matches exact domains and "*.suffix" / ".suffix" wildcards.
type domainList struct {
	exact    map[string]struct{}
	suffixes []string
}

// newDomainList returns nil when patterns hold no usable entry.
func newDomainList(patterns []string) *domainList {
	list := &domainList{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			list.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			list.addSuffix(strings.TrimPrefix(value, "."))
		default:
			list.exact[value] = struct{}{}
		}
	}
	if len(list.exact) == 0 && len(list.suffixes) == 0 {
		return nil
	}
	return list
}

func (l *domainList) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range l.suffixes {
		if existing == suffix {
			return
		}
	}
	l.suffixes = append(l.suffixes, suffix)
}

// Contains reports whether domain matches an entry. A nil list is empty.
func (l *domainList) Contains(domain string) bool {
	if l == nil {
		return false
	}
	domain = strings.TrimSpace(strings.ToLower(domain))
	if domain == "" {
		return false
	}
	if _, ok := l.exact[domain]; ok {
		return true
	}
	for _, suffix := range l.suffixes {
		if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
			return true
		}
	}
	return false
}
