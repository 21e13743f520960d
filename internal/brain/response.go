package brain

const (
	TypeToolResult = "tool_result"
	TypeSolution   = "solution"
	TypeAnalysis   = "analysis"
	TypeChat       = "chat"
)

// Response is the record returned for a query. Type decides which of the
// optional fields are set.
type Response struct {
	Type       string   `json:"type"`
	Tool       string   `json:"tool,omitempty"`
	Text       string   `json:"text"`
	Result     string   `json:"result,omitempty"`
	Results    []string `json:"results,omitempty"`
	Steps      []string `json:"steps,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Insights   []string `json:"insights,omitempty"`
	AIModel    string   `json:"ai_model,omitempty"`
}
