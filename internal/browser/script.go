package browser

import (
	_ "embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// BindingPlaceholder is replaced in the executor template with the quoted binding name.
	BindingPlaceholder = "/*{{PAGEPILOT_BINDING}}*/"

	// executorGlobal is the window property the executor publishes itself under.
	executorGlobal = "__pagepilot"
)

//go:embed executor.js
var executorTemplate string

var identifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// BuildExecutorScript returns the executor source wired to post replies
// through the named binding.
func BuildExecutorScript(bindingName string) (string, error) {
	return buildScript(executorTemplate, bindingName)
}

func buildScript(template, bindingName string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("executor template is empty")
	}
	if !strings.Contains(template, BindingPlaceholder) {
		return "", fmt.Errorf("template does not contain the required placeholder: %s", BindingPlaceholder)
	}
	if !identifierRe.MatchString(bindingName) {
		return "", fmt.Errorf("binding name %q is not a valid JavaScript identifier", bindingName)
	}
	return strings.Replace(template, BindingPlaceholder, strconv.Quote(bindingName), 1), nil
}

// dispatchExpression builds the expression that hands one encoded request to
// the executor. It evaluates to false when no executor is present.
func dispatchExpression(request []byte) string {
	return fmt.Sprintf(
		"(function(m){var x=window.%s;if(!x||typeof x.dispatch!=='function'){return false;}x.dispatch(m);return true;})(%s)",
		executorGlobal, request)
}
