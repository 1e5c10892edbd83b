package signature

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dunglas/httpsfv"
)

// message is the part of an HTTP request or response that signatures
// cover.
type message struct {
	method string
	target *url.URL
	status int // responses only
	header http.Header
}

func (m *message) isResponse() bool {
	return m.status != 0
}

// component resolves one covered component to its signature base value.
func (m *message) component(name string) (string, error) {
	if strings.HasPrefix(name, "@") {
		return m.derived(name)
	}
	if name != strings.ToLower(name) {
		return "", fmt.Errorf("component %q is not lowercase", name)
	}

	values := m.header.Values(name)
	if len(values) == 0 {
		return "", fmt.Errorf("covered header %q is absent", name)
	}
	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.TrimSpace(v)
	}
	return strings.Join(trimmed, ", "), nil
}

func (m *message) derived(name string) (string, error) {
	if name == "@status" {
		if !m.isResponse() {
			return "", fmt.Errorf("%s is only defined for responses", name)
		}
		return fmt.Sprintf("%03d", m.status), nil
	}
	if m.isResponse() {
		return "", fmt.Errorf("%s is not defined for responses", name)
	}

	switch name {
	case "@method":
		return strings.ToUpper(m.method), nil
	case "@target-uri":
		return m.target.String(), nil
	case "@authority":
		return strings.ToLower(m.target.Host), nil
	case "@scheme":
		return strings.ToLower(m.target.Scheme), nil
	case "@path":
		if p := m.target.EscapedPath(); p != "" {
			return p, nil
		}
		return "/", nil
	case "@query":
		return "?" + m.target.RawQuery, nil
	}
	return "", fmt.Errorf("unsupported derived component %s", name)
}

// signatureBase builds the string that is signed: one line per covered
// component followed by the serialized signature parameters.
func signatureBase(m *message, covered httpsfv.InnerList) (string, error) {
	var b strings.Builder
	seen := make(map[string]bool, len(covered.Items))

	for _, item := range covered.Items {
		name, ok := item.Value.(string)
		if !ok {
			return "", fmt.Errorf("component identifier %v is not a string", item.Value)
		}
		if item.Params != nil && len(item.Params.Names()) > 0 {
			return "", fmt.Errorf("component parameters on %q are not supported", name)
		}
		if seen[name] {
			return "", fmt.Errorf("component %q covered twice", name)
		}
		seen[name] = true

		value, err := m.component(name)
		if err != nil {
			return "", err
		}
		b.WriteString(strconv.Quote(name))
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteByte('\n')
	}

	params, err := httpsfv.Marshal(covered)
	if err != nil {
		return "", fmt.Errorf("serialize signature params: %w", err)
	}
	b.WriteString(`"@signature-params": `)
	b.WriteString(params)
	return b.String(), nil
}

func coveredNames(covered httpsfv.InnerList) []string {
	names := make([]string, 0, len(covered.Items))
	for _, item := range covered.Items {
		if name, ok := item.Value.(string); ok {
			names = append(names, name)
		}
	}
	return names
}
