package analytics

import (
	"regexp"
	"strings"

	"github.com/gitpulse/gitpulse/internal/models"
)

// wordPattern matches tokens that start with a letter and are at least two
// characters long, which drops lone letters, hex fragments and pure numbers.
var wordPattern = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9]+\b`)

// stopWords are excluded from the frequency index.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		the a an and or but is are was were be been being to of for in on by at
		this that these those with as from about into through during before
		after above below up down i me my myself we our ours ourselves you your
		yours yourself yourselves he him his himself she her hers herself it
		its itself they them their theirs themselves what which who whom when
		where why how all any both each few more most other some such no nor
		not only own same so than too very can will just should now`) {
		stopWords[w] = struct{}{}
	}
}

// Tokenize extracts counting-eligible words from a commit message.
func Tokenize(text string) []string {
	var words []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if _, skip := stopWords[w]; skip {
			continue
		}
		words = append(words, w)
	}
	return words
}

// CountWords tallies word frequencies across commit message titles and
// bodies.
func CountWords(commits []*models.Commit) map[string]int {
	counts := make(map[string]int)
	for _, c := range commits {
		message := c.MessageTitle
		if c.MessageBody != nil {
			message += " " + *c.MessageBody
		}
		for _, w := range Tokenize(message) {
			counts[w]++
		}
	}
	return counts
}
