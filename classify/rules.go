package classify

// rule assigns a task type when match holds. Rules are evaluated in
// order; the first match wins, so more specific categories come first.
type rule struct {
	taskType TaskType
	match    func(features) bool
}

var rules = []rule{
	{MultiStepWorkflow, func(f features) bool {
		return len(f.verbs) >= 2 && (f.hasAny(sequenceWords) || f.commas >= 2)
	}},
	{FileOperation, func(f features) bool {
		if f.hasAny(fileOpWords) && f.fileRefs <= 1 {
			return true
		}
		return f.fileRefs == 1 && len(f.verbs) == 0
	}},
	{Documentation, func(f features) bool { return f.hasAny(documentationWords) }},
	{Research, func(f features) bool { return f.hasAny(researchWords) }},
	{CodeGeneration, func(f features) bool { return f.hasAny(codeGenerationWords) }},
}

// baseScores gives the starting complexity of each category.
var baseScores = map[TaskType]int{
	FileOperation:     1,
	Other:             2,
	Documentation:     3,
	Research:          3,
	CodeGeneration:    4,
	MultiStepWorkflow: 5,
}

// bonus adds points on top of the base score.
type bonus struct {
	name   string
	points func(features) int
}

var bonuses = []bonus{
	{"length", func(f features) int {
		switch {
		case f.length > 250:
			return 2
		case f.length > 100:
			return 1
		}
		return 0
	}},
	{"verbs", func(f features) int {
		extra := len(f.verbs) - 1
		if extra < 0 {
			return 0
		}
		if extra > 3 {
			return 3
		}
		return extra
	}},
	{"testing", func(f features) int { return boolPoint(f.hasAny(testingWords)) }},
	{"build", func(f features) int { return boolPoint(f.hasAny(buildWords)) }},
	{"files", func(f features) int { return boolPoint(f.fileRefs > 1) }},
}

func boolPoint(b bool) int {
	if b {
		return 1
	}
	return 0
}

// domainTag adds tag when any of words appears.
type domainTag struct {
	tag   string
	words []string
}

var domainTags = []domainTag{
	{"testing", testingWords},
	{"git", []string{"git", "commit", "push", "branch", "merge", "rebase", "pull", "pr"}},
	{"documentation", documentationWords},
	{"deployment", []string{"deploy", "deployment", "release", "docker", "kubernetes", "k8s"}},
}

var (
	actionVerbs = []string{
		"create", "generate", "build", "write", "implement", "add", "run", "execute",
		"analyze", "analyse", "fix", "commit", "push", "deploy", "install", "update",
		"refactor", "search", "research", "compare", "document", "delete", "remove",
		"rename", "move", "edit", "modify", "review", "merge", "migrate", "summarize",
		"convert",
	}

	sequenceWords = []string{"then", "after", "afterwards", "finally", "next", "subsequently"}

	fileOpWords = []string{
		"fix", "edit", "rename", "delete", "remove", "move", "copy", "typo", "line",
		"replace", "change",
	}

	documentationWords = []string{
		"document", "documentation", "docs", "comment", "comments", "readme", "jsdoc",
		"docstring", "docstrings", "changelog",
	}

	researchWords = []string{
		"search", "research", "compare", "comparison", "investigate", "analyze", "analyse",
		"find", "explore", "summarize", "summarise", "evaluate", "survey",
	}

	codeGenerationWords = []string{
		"create", "generate", "component", "implement", "build", "write", "scaffold",
		"function", "class", "script", "add",
	}

	testingWords = []string{"test", "tests", "testing", "suite", "unittest", "pytest", "jest", "coverage", "spec"}

	buildWords = []string{"build", "compile", "deploy", "deployment", "release", "pipeline", "ci", "docker", "push"}
)
