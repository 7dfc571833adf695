package pipeline

import (
	"fmt"
	"strings"
)

const (
	noneText           = "None"
	noConversationText = "No previous conversation"
)

func orNone(s *string) string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return noneText
	}
	return *s
}

func orNoConversation(s string) string {
	if strings.TrimSpace(s) == "" {
		return noConversationText
	}
	return s
}

func researchPrompt(s AgentState) string {
	return fmt.Sprintf(`Given the following conversation history and previous research:

Previous Report:
%s

Conversation History:
%s

New Question:
%q

Perform a focused web search to answer this follow-up question. Return the results strictly as a JSON object with exactly two keys: "results" (an array of objects, each containing "title", "url", and "content" - a snippet of relevant text) and "visited_urls" (an array of strings). Do not include any additional commentary.`,
		orNone(s.PreviousReport), orNoConversation(s.ConversationHistory), s.Query)
}

func draftPrompt(s AgentState) string {
	return fmt.Sprintf(`Using the following context:

Previous Report:
%s

Conversation History:
%s

Search Results:
%s

Current Query:
%s

Produce a detailed research report exclusively in valid Markdown format. Use proper headings, bullet lists, and any other Markdown constructs as needed. Do not include any commentary outside of the Markdown syntax.`,
		orNone(s.PreviousReport), orNoConversation(s.ConversationHistory), s.SearchResultsJSON(), s.Query)
}

const refineTemplate = `You are a highly knowledgeable research assistant. Based on the following information, produce a final, comprehensive research report exclusively in valid Markdown format.

Previous Report:
{previous_report}

Conversation History:
{conversation_history}

Current Query: {query}

Search Results: {search_results}

Draft Report: {draft_report}

Final Report:`

// refinePrompt fills every slot in one pass so slot-like text inside values is left alone.
func refinePrompt(s AgentState) string {
	return strings.NewReplacer(
		"{previous_report}", orNone(s.PreviousReport),
		"{conversation_history}", orNoConversation(s.ConversationHistory),
		"{query}", s.Query,
		"{search_results}", s.SearchResultsJSON(),
		"{draft_report}", s.ReportDraft,
	).Replace(refineTemplate)
}
