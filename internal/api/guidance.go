package api

// systemInfo describes the bridge to anonymous schema consumers.
func systemInfo() map[string]interface{} {
	return map[string]interface{}{
		"name":        "Insight Bridge",
		"description": "HTTP bridge between an LLM-driven agent and the Insight Digger analytics backend over MCP",
		"authentication": map[string]interface{}{
			"required":   []string{"apiUrl", "jwtToken"},
			"note":       "Credentials are supplied once via /init and injected into tool calls automatically.",
			"validation": "POST /init validates credentials before a session is created.",
		},
		"session_model": map[string]interface{}{
			"type":     "sliding-ttl",
			"note":     "Sessions expire after a period of inactivity; any successful access resets the timer.",
			"identity": "Opaque client-supplied session_id.",
		},
	}
}

// workflowGuidance orders the analytical workflow for the agent. Tools fill
// their own parameters from the session cache, so each step only needs what
// the previous steps have not already produced.
func workflowGuidance() map[string]interface{} {
	return map[string]interface{}{
		"workflow": []map[string]interface{}{
			{"step": 1, "tool": "list_sources", "purpose": "Let the user pick a data source. Ask for a source name and pass it as 'search'."},
			{"step": 2, "tool": "analyze_source_structure", "purpose": "Fetch and analyze the selected source's schema. Caches sourceStructure and columnAnalysis."},
			{"step": 3, "tool": "generate_strategy", "purpose": "Turn the user's question and the column analysis into an analysis strategy."},
			{"step": 4, "tool": "create_configuration", "purpose": "Build the dashboard configuration from question, column analysis and strategy."},
			{"step": 5, "tool": "create_dashboard", "purpose": "Create the dashboard. Caches chartConfigs and dashboardUrl."},
			{"step": 6, "tool": "get_charts_data", "purpose": "Fetch data for every chart. The full data is cached, not returned."},
			{"step": 7, "tool": "analyze_charts", "purpose": "Produce insights from the chart data; synthesize them into the final report."},
		},
		"notes": []string{
			"Parameters already present in the session cache are injected automatically; omit them.",
			"Credentials never appear in tool schemas and must not be supplied per call.",
		},
	}
}
