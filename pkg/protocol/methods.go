package protocol

// methodPrefixes maps method-name prefixes to canonical actions. Order
// matters: longer, more specific prefixes come before shorter overlapping
// ones so "findUniqueOrThrowUser" does not truncate to model "OrThrowUser".
// The table is an explicit ordered list to make that precedence a tested
// invariant instead of map iteration luck.
var methodPrefixes = []struct {
	prefix string
	action string
}{
	{"findUniqueOrThrow", "findUniqueOrThrow"},
	{"findFirstOrThrow", "findFirstOrThrow"},
	{"findUnique", "findUnique"},
	{"findFirst", "findFirst"},
	{"findMany", "findMany"},
	{"createMany", "createMany"},
	{"createOne", "create"},
	{"create", "create"},
	{"updateMany", "updateMany"},
	{"updateOne", "update"},
	{"update", "update"},
	{"upsertOne", "upsert"},
	{"upsert", "upsert"},
	{"deleteMany", "deleteMany"},
	{"deleteOne", "delete"},
	{"delete", "delete"},
	{"aggregate", "aggregate"},
	{"groupBy", "groupBy"},
	{"count", "count"},
}

// rawActions take no model suffix and match only as whole identifiers.
var rawActions = map[string]bool{
	"queryRaw":   true,
	"executeRaw": true,
}

// DecomposeMethod splits a camel-case method identifier into its canonical
// action and PascalCase model name ("findUniqueOrThrowUser" ->
// "findUniqueOrThrow", "User"). An identifier with no known prefix is
// returned untouched with an empty model; the executor rejects it later.
// That leniency matches the wire protocol as deployed, intentional or not.
func DecomposeMethod(ident string) (action, model string) {
	if rawActions[ident] {
		return ident, ""
	}
	for _, entry := range methodPrefixes {
		rest, ok := cutPrefix(ident, entry.prefix)
		if !ok {
			continue
		}
		// The model part is PascalCase; a lowercase continuation means we
		// matched inside a longer word ("created" is not create+"d").
		if rest != "" && (rest[0] < 'A' || rest[0] > 'Z') {
			continue
		}
		return entry.action, rest
	}
	return ident, ""
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}
