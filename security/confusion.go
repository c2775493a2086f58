package security

import (
	"fmt"
	"strings"
)

// confusionSuffixes mark names that look like private packages published publicly.
var confusionSuffixes = []string{"-internal", "-private", "-corp", "-company"}

// popular are targets of typosquatting.
var popular = []string{
	"react", "react-dom", "next", "vue", "svelte", "angular",
	"express", "fastify", "koa", "hono", "nestjs",
	"lodash", "underscore", "ramda", "axios", "ky", "got",
	"moment", "dayjs", "date-fns", "uuid", "nanoid",
	"webpack", "vite", "rollup", "esbuild", "parcel", "turbo",
	"typescript", "babel", "eslint", "prettier",
	"jest", "vitest", "mocha", "chai", "cypress", "playwright",
	"prisma", "drizzle", "sequelize", "mongoose", "typeorm",
	"ethers", "web3", "viem", "wagmi", "hardhat",
	"openai", "langchain", "anthropic", "pinecone",
}

var popularSet = func() map[string]bool {
	m := make(map[string]bool, len(popular))
	for _, p := range popular {
		m[p] = true
	}
	return m
}()

// NameWarning describes a suspicious package name.
type NameWarning struct {
	Package string
	Reason  string
}

func (w NameWarning) String() string {
	return w.Package + ": " + w.Reason
}

// CheckName returns warnings for names that look like dependency confusion
// or typosquatting. Scoped and trusted names are never flagged.
func (p *Policy) CheckName(name string) []NameWarning {
	if p.Trusted(name) {
		return nil
	}
	var out []NameWarning
	lower := strings.ToLower(name)

	if p.ConfusionProtection && !strings.HasPrefix(lower, "@") {
		for _, s := range confusionSuffixes {
			if strings.HasSuffix(lower, s) {
				out = append(out, NameWarning{Package: name,
					Reason: fmt.Sprintf("unscoped name ends in %q, a common dependency confusion pattern", s)})
				break
			}
		}
	}

	if target, d := typosquatOf(lower); target != "" {
		out = append(out, NameWarning{Package: name,
			Reason: fmt.Sprintf("name is %d edit(s) from popular package %q", d, target)})
	}
	return out
}

// typosquatOf returns the popular package name is suspiciously close to.
// Very short targets only match at distance one.
func typosquatOf(name string) (string, int) {
	if popularSet[name] || strings.HasPrefix(name, "@") {
		return "", 0
	}
	for _, target := range popular {
		limit := 2
		if len(target) < 5 {
			limit = 1
		}
		if len(target) < 4 {
			continue
		}
		if d := levenshtein(name, target); d > 0 && d <= limit {
			return target, d
		}
	}
	return "", 0
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
