package observability

const (
	AttrServiceName     = "service.name"
	AttrDBType          = "db.type"
	AttrToolName        = "tool.name"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrWorkspaceID     = "slack.workspace_id"
	AttrErrorType       = "error.type"
	AttrHTTPMethod      = "http.method"
	AttrHTTPPath        = "http.path"
	AttrHTTPStatusCode  = "http.status_code"

	SpanQuery         = "gateway.query"
	SpanTranslation   = "gateway.translation"
	SpanToolExecution = "gateway.tool_execution"
	SpanLLMRequest    = "gateway.llm_request"
	SpanIndexRun      = "gateway.index_run"
	SpanHTTPRequest   = "gateway.http_request"

	DefaultServiceName = "databridge"
)
