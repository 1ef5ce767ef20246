package discovery

// StopWords are skipped when building alias index tokens.
// Honorifics are included so "Dr. Reyes" and "Reyes" share a posting.
var StopWords = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"the": true, "of": true, "and": true, "a": true, "an": true,
	"to": true, "in": true, "on": true, "for": true, "at": true, "by": true,
	"is": true, "it": true, "as": true, "be": true, "was": true,
	"are": true, "with": true, "from": true, "into": true,
	"that": true, "this": true, "his": true, "her": true, "its": true, "their": true,
	"inc": true, "llc": true, "ltd": true, "co": true, "corp": true,
}

// Pronouns is the default pronoun lexicon. A referring mention whose alias key
// is listed here never contributes an alias to a canonical entity.
var Pronouns = []string{
	"he", "him", "his", "himself",
	"she", "her", "hers", "herself",
	"it", "its", "itself",
	"they", "them", "their", "theirs", "themselves",
	"we", "us", "our", "ours",
	"this", "that", "these", "those",
	"who", "whom", "whose", "which",
}
