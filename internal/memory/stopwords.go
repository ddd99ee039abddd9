package memory

// stopWords are filtered from keyword extraction. The list covers
// common English function words plus conversational filler frequent in
// chat transcripts.
var stopWords = map[string]bool{}

func init() {
	for _, w := range []string{
		"a", "about", "above", "after", "again", "against", "all", "also",
		"am", "an", "and", "any", "are", "aren't", "as", "at", "be",
		"because", "been", "before", "being", "below", "between", "both",
		"but", "by", "can", "can't", "cannot", "could", "couldn't", "did",
		"didn't", "do", "does", "doesn't", "doing", "don't", "down",
		"during", "each", "few", "for", "from", "further", "get", "got",
		"had", "hadn't", "has", "hasn't", "have", "haven't", "having",
		"he", "he'd", "he'll", "he's", "her", "here", "here's", "hers",
		"herself", "him", "himself", "his", "how", "how's", "i", "i'd",
		"i'll", "i'm", "i've", "if", "in", "into", "is", "isn't", "it",
		"it's", "its", "itself", "just", "know", "let's", "like", "make",
		"me", "more", "most", "mustn't", "my", "myself", "need", "no",
		"nor", "not", "now", "of", "off", "on", "once", "one", "only",
		"or", "other", "ought", "our", "ours", "ourselves", "out", "over",
		"own", "please", "really", "same", "shan't", "she", "she'd",
		"she'll", "she's", "should", "shouldn't", "so", "some", "such",
		"sure", "than", "that", "that's", "the", "their", "theirs",
		"them", "themselves", "then", "there", "there's", "these", "they",
		"they'd", "they'll", "they're", "they've", "thing", "this",
		"those", "through", "to", "too", "under", "until", "up", "use",
		"used", "very", "want", "was", "wasn't", "way", "we", "we'd",
		"we'll", "we're", "we've", "well", "were", "weren't", "what",
		"what's", "when", "when's", "where", "where's", "which", "while",
		"who", "who's", "whom", "why", "why's", "will", "with", "won't",
		"would", "wouldn't", "yeah", "yes", "you", "you'd", "you'll",
		"you're", "you've", "your", "yours", "yourself", "yourselves",
	} {
		stopWords[w] = true
	}
}

// IsStopWord reports whether w (lowercase) is filtered from keyword
// extraction.
func IsStopWord(w string) bool {
	return stopWords[w]
}
