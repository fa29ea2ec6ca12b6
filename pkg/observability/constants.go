package observability

const (
	AttrAgentName      = "agent.name"
	AttrToolName       = "tool.name"
	AttrLLMModel       = "llm.model"
	AttrLLMTokensInput = "llm.tokens.input"
	AttrLLMTokensTotal = "llm.tokens.total"
	AttrTemplateName   = "sql.template"
	AttrAnalysisID     = "analysis.id"
	AttrStepName       = "analysis.step"
	AttrTableName      = "table.name"
	AttrHTTPMethod     = "http.method"
	AttrHTTPPath       = "http.path"
	AttrHTTPStatusCode = "http.status_code"

	SpanAgentChat     = "agent.chat"
	SpanLLMGenerate   = "llm.generate"
	SpanSQLExec       = "sql.exec"
	SpanAnalysisStep  = "analysis.step"
	SpanTileservFetch = "tileserv.fetch"
	SpanHTTPRequest   = "http.request"
)
