// Package classifier maps an outbound tool call — name plus argument
// object — onto an action kind and risk level, deciding whether it may
// proceed unattended (Green) or must be gated on a human decision (Red).
//
// Classify is a pure function: no I/O, no mutable state, no dependency on
// anything but its two arguments. It is the fail-secure boundary the rest
// of the approval path builds on — an unrecognized tool is always Red.
package classifier

import "strings"

// Kind is the category a tool call is classified into.
type Kind string

const (
	KindReadFile       Kind = "ReadFile"
	KindViewFile       Kind = "ViewFile"
	KindListDirectory  Kind = "ListDirectory"
	KindSearchWeb      Kind = "SearchWeb"
	KindCheckLogs      Kind = "CheckLogs"
	KindEditFile       Kind = "EditFile"
	KindCreateFile     Kind = "CreateFile"
	KindDeleteFile     Kind = "DeleteFile"
	KindExecuteCommand Kind = "ExecuteCommand"
	KindModifySystem   Kind = "ModifySystem"
	KindSendEmail      Kind = "SendEmail"
	KindTransferAsset  Kind = "TransferAsset"
	KindExternalCall   Kind = "ExternalCall"
	KindInstall        Kind = "Install"
	KindCommit         Kind = "Commit"
	KindPush           Kind = "Push"
	KindPublish        Kind = "Publish"
	KindDeploy         Kind = "Deploy"
	KindUnknown        Kind = "Unknown"
)

// Risk is the severity label attached to a Kind.
type Risk string

const (
	RiskNone     Risk = "None"
	RiskLow      Risk = "Low"
	RiskMedium   Risk = "Medium"
	RiskHigh     Risk = "High"
	RiskCritical Risk = "Critical"
)

// Result is the outcome of classifying one tool call.
type Result struct {
	RequiresApproval bool
	Kind             Kind
	Risk             Risk
	Reason           string
}

// greenKeywords is the closed set of Green (auto-proceed) keywords. A tool
// name matches if it equals a keyword, starts/ends with "<keyword>_" /
// "_<keyword>", or contains it as a "_<keyword>_" infix.
var greenKeywords = []string{
	"read_file", "list_files", "list_directory", "list_directories",
	"search_files", "search", "grep", "get_file_info", "stat", "check_file",
	"read", "view", "show", "list", "get", "fetch", "find", "locate",
	"query", "inspect", "examine", "monitor", "status", "info", "get_info",
	"read_resource", "list_resources", "read_prompt", "list_prompts",
}

// readOnlyMarkers re-route an ExternalCall-looking name back to Green.
var readOnlyMarkers = []string{"get", "read", "list", "fetch", "query", "search"}

func matchesKeyword(name, keyword string) bool {
	return name == keyword ||
		strings.HasPrefix(name, keyword+"_") ||
		strings.HasSuffix(name, "_"+keyword) ||
		strings.Contains(name, "_"+keyword+"_")
}

func isGreen(name string) bool {
	for _, kw := range greenKeywords {
		if matchesKeyword(name, kw) {
			return true
		}
	}
	return false
}

// inferGreenKind assigns a Kind to a name already known to be Green. Order
// matters: exact matches first, then prefix/suffix/infix fallbacks, with a
// default of ReadFile.
func inferGreenKind(name string) Kind {
	switch name {
	case "read_file":
		return KindReadFile
	case "read_resource", "read_prompt":
		return KindViewFile
	case "list_files", "list_directory", "list_directories", "list_resources", "list_prompts":
		return KindListDirectory
	case "search_files", "grep":
		return KindSearchWeb
	case "get_file_info", "stat", "get_info", "info", "status":
		return KindViewFile
	case "check_file":
		return KindCheckLogs
	}

	if matchesKeyword(name, "list") {
		return KindListDirectory
	}
	if matchesKeyword(name, "read") {
		return KindReadFile
	}
	if matchesKeyword(name, "view") {
		return KindViewFile
	}
	if matchesKeyword(name, "search") || name == "find" || name == "locate" {
		return KindSearchWeb
	}
	if name == "monitor" {
		return KindCheckLogs
	}
	return KindReadFile
}

func containsAny(name string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

func isReadOnlyExternalCall(name string) bool {
	for _, m := range readOnlyMarkers {
		if strings.HasPrefix(name, m) || strings.Contains(name, "_"+m+"_") {
			return true
		}
	}
	return false
}

// redKind implements the fixed-priority Red keyword table; first match
// wins, because keywords overlap. It returns ("", "", false) when no Red
// keyword matched.
func redKind(name string) (Kind, Risk, bool) {
	switch {
	case containsAny(name, "delete", "remove", "unlink", "rm"):
		return KindDeleteFile, RiskCritical, true

	case containsAny(name, "transfer", "pay", "withdraw", "deposit", "send_payment", "crypto", "bitcoin", "ethereum"):
		return KindTransferAsset, RiskCritical, true

	case containsAny(name, "execute", "run", "exec", "spawn", "launch", "start"):
		return KindExecuteCommand, RiskHigh, true

	case containsAny(name, "system", "config", "setting"):
		return KindModifySystem, RiskHigh, true

	case matchesKeyword(name, "write") || matchesKeyword(name, "edit") || matchesKeyword(name, "modify") ||
		matchesKeyword(name, "update") || matchesKeyword(name, "change") || strings.Contains(name, "patch"):
		return KindEditFile, RiskHigh, true

	case strings.Contains(name, "send") || matchesKeyword(name, "post") ||
		containsAny(name, "message", "email", "mail", "slack", "discord", "telegram", "whatsapp"):
		return KindSendEmail, RiskMedium, true

	case containsAny(name, "create", "new", "add", "insert"):
		return KindCreateFile, RiskMedium, true

	case strings.Contains(name, "publish"):
		return KindPublish, RiskMedium, true

	case containsAny(name, "deploy", "release"):
		return KindDeploy, RiskMedium, true

	case containsAny(name, "call", "request", "invoke", "api"):
		if isReadOnlyExternalCall(name) {
			return "", "", false // re-routed to Green by the caller
		}
		return KindExternalCall, RiskMedium, true

	case containsAny(name, "install", "uninstall", "setup", "configure"):
		return KindInstall, RiskLow, true

	case strings.Contains(name, "commit"):
		return KindCommit, RiskLow, true

	case strings.Contains(name, "push"):
		return KindPush, RiskLow, true
	}

	return "", "", false
}

// argumentFallback is the last resort before Unknown: inspect argument keys
// for a suggestive name.
func argumentFallback(arguments map[string]any) (Kind, bool) {
	hasKey := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := arguments[k]; ok {
				return true
			}
		}
		return false
	}
	switch {
	case hasKey("delete", "remove", "destructive", "force"):
		return KindDeleteFile, true
	case hasKey("write", "content", "data", "body"):
		return KindEditFile, true
	case hasKey("amount", "payment", "transfer", "crypto"):
		return KindTransferAsset, true
	}
	return "", false
}

// Classify decides the action kind, risk, and approval requirement for one
// tool call. Name matching is case-insensitive; arguments may be nil.
func Classify(toolName string, arguments map[string]any) Result {
	name := strings.ToLower(toolName)

	if isGreen(name) {
		return Result{
			RequiresApproval: false,
			Kind:             inferGreenKind(name),
			Risk:             RiskNone,
			Reason:           "Tool '" + name + "' is a read-only operation (Green action)",
		}
	}

	if kind, risk, ok := redKind(name); ok {
		return Result{
			RequiresApproval: true,
			Kind:             kind,
			Risk:             risk,
			Reason:           "Tool '" + name + "' is a destructive or external communication (Red action)",
		}
	}

	// A read-only external-call name re-routes to Green even though it
	// matched the call/request/invoke/api family.
	if containsAny(name, "call", "request", "invoke", "api") && isReadOnlyExternalCall(name) {
		return Result{
			RequiresApproval: false,
			Kind:             KindReadFile,
			Risk:             RiskNone,
			Reason:           "Tool '" + name + "' is a read-only operation (Green action)",
		}
	}

	if kind, ok := argumentFallback(arguments); ok {
		return Result{
			RequiresApproval: true,
			Kind:             kind,
			Risk:             riskForKind(kind),
			Reason:           "Tool '" + name + "' classified from its argument shape (Red action)",
		}
	}

	return Result{
		RequiresApproval: true,
		Kind:             KindUnknown,
		Risk:             RiskCritical,
		Reason:           "Unknown tool '" + name + "': requires approval for security",
	}
}

// riskForKind assigns the risk level the argument-only fallback's kinds
// carry when named directly (mirrors the Red table's risk for that kind).
func riskForKind(k Kind) Risk {
	switch k {
	case KindDeleteFile, KindTransferAsset:
		return RiskCritical
	case KindEditFile:
		return RiskHigh
	default:
		return RiskMedium
	}
}

// BatchResult is the outcome of classifying a sequence of tool calls.
type BatchResult struct {
	Red    bool
	Reason string
	Kind   Kind
	Risk   Risk
}

// Call pairs a tool name with its arguments for batch classification.
type Call struct {
	Name      string
	Arguments map[string]any
}

// ClassifyBatch returns Red at the first Red member, naming that tool in
// the reason; otherwise Green.
func ClassifyBatch(calls []Call) BatchResult {
	for _, c := range calls {
		r := Classify(c.Name, c.Arguments)
		if r.RequiresApproval {
			return BatchResult{Red: true, Reason: "tool '" + c.Name + "': " + r.Reason, Kind: r.Kind, Risk: r.Risk}
		}
	}
	return BatchResult{Red: false, Reason: "all actions are Green", Kind: KindReadFile, Risk: RiskNone}
}
