// ABOUTME: The closed MCP method set and inbound/outbound method name constants.
// ABOUTME: Method strings resolve once to a typed constant before dispatch.

package mcp

// Method identifies one of the MCP methods this server dispatches.
type Method string

// Inbound methods.
const (
	MethodInitialize             Method = "initialize"
	MethodPing                   Method = "ping"
	MethodToolsList              Method = "tools/list"
	MethodToolsCall              Method = "tools/call"
	MethodResourcesList          Method = "resources/list"
	MethodResourcesRead          Method = "resources/read"
	MethodResourcesTemplatesList Method = "resources/templates/list"
	MethodResourcesSubscribe     Method = "resources/subscribe"
	MethodResourcesUnsubscribe   Method = "resources/unsubscribe"
	MethodPromptsList            Method = "prompts/list"
	MethodPromptsGet             Method = "prompts/get"
	MethodLoggingSetLevel        Method = "logging/setLevel"
	MethodCompletionComplete     Method = "completion/complete"
	MethodRootsList              Method = "roots/list"
	MethodTasksGet               Method = "tasks/get"
	MethodTasksResult            Method = "tasks/result"
	MethodTasksList              Method = "tasks/list"
	MethodTasksCancel            Method = "tasks/cancel"
	MethodNotifInitialized       Method = "notifications/initialized"
	MethodNotifCancelled         Method = "notifications/cancelled"
)

// Outbound notification and server-initiated request methods.
const (
	MethodNotifMessage              = "notifications/message"
	MethodNotifProgress             = "notifications/progress"
	MethodNotifTaskStatus           = "notifications/tasks/status"
	MethodNotifResourceUpdated      = "notifications/resources/updated"
	MethodNotifResourcesListChanged = "notifications/resources/list_changed"
	MethodNotifToolsListChanged     = "notifications/tools/list_changed"
	MethodNotifPromptsListChanged   = "notifications/prompts/list_changed"
	MethodSamplingCreateMessage     = "sampling/createMessage"
	MethodElicitationCreate         = "elicitation/create"
)

var methods = map[string]Method{
	string(MethodInitialize):             MethodInitialize,
	string(MethodPing):                   MethodPing,
	string(MethodToolsList):              MethodToolsList,
	string(MethodToolsCall):              MethodToolsCall,
	string(MethodResourcesList):          MethodResourcesList,
	string(MethodResourcesRead):          MethodResourcesRead,
	string(MethodResourcesTemplatesList): MethodResourcesTemplatesList,
	string(MethodResourcesSubscribe):     MethodResourcesSubscribe,
	string(MethodResourcesUnsubscribe):   MethodResourcesUnsubscribe,
	string(MethodPromptsList):            MethodPromptsList,
	string(MethodPromptsGet):             MethodPromptsGet,
	string(MethodLoggingSetLevel):        MethodLoggingSetLevel,
	string(MethodCompletionComplete):     MethodCompletionComplete,
	string(MethodRootsList):              MethodRootsList,
	string(MethodTasksGet):               MethodTasksGet,
	string(MethodTasksResult):            MethodTasksResult,
	string(MethodTasksList):              MethodTasksList,
	string(MethodTasksCancel):            MethodTasksCancel,
	string(MethodNotifInitialized):       MethodNotifInitialized,
	string(MethodNotifCancelled):         MethodNotifCancelled,
}

// ParseMethod resolves a wire method name to its typed constant.
// Unknown names report false and fall through to a -32601 response.
func ParseMethod(name string) (Method, bool) {
	m, ok := methods[name]
	return m, ok
}

// IsNotificationMethod reports whether the method never produces a
// response body regardless of how the request was shaped.
func (m Method) IsNotificationMethod() bool {
	return m == MethodNotifInitialized || m == MethodNotifCancelled
}
