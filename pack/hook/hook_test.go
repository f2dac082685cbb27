package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type named struct {
	name     string
	provides []string
	needs    []string
}

func (n named) Provides() []string  { return n.provides }
func (n named) DependsOn() []string { return n.needs }

func names(hooks []any) []string {
	var seq []string
	for _, h := range hooks {
		seq = append(seq, h.(named).name)
	}
	return seq
}

func TestOrderMovesDependentsAfterProviders(t *testing.T) {
	www := named{name: `www`, needs: []string{`build`}}
	hot := named{name: `hot`, needs: []string{`build`}, provides: []string{`hot`}}
	b := named{name: `build`, provides: []string{`build`}}
	api := named{name: `api`}
	assert.Equal(t, []string{`build`, `www`, `hot`, `api`}, names(Order(www, hot, b, api)))
}

func TestOrderToleratesCycles(t *testing.T) {
	a := named{name: `a`, provides: []string{`a`}, needs: []string{`b`}}
	b := named{name: `b`, provides: []string{`b`}, needs: []string{`a`}}
	assert.ElementsMatch(t, []string{`a`, `b`}, names(Order(a, b)))
	assert.Len(t, Order(a, b), 2)
}

func TestOrderKeepsUnrelatedHooks(t *testing.T) {
	assert.Equal(t, []any{1, `two`, 3.0}, Order(1, `two`, 3.0))
}
