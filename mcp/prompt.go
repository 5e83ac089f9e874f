package mcp

// Prompt represents a template for generating structured LLM interactions.
//
// Prompts help standardize common use cases by providing templates that can
// be customized with arguments. They generate messages ready for use with
// language models.
type Prompt struct {
	// Name is the unique identifier for the prompt.
	Name string `json:"name"`

	// Title is a human-friendly display name for the prompt.
	// TODO: Add back when upgrading to newer MCP spec
	// Title string `json:"title,omitempty"`

	// Description explains what the prompt does and when to use it.
	Description string `json:"description"`

	// Arguments defines the parameters this prompt accepts.
	Arguments []PromptArgument `json:"arguments,omitempty"`

	// Meta contains implementation-specific metadata.
	// TODO: Add back when upgrading to newer MCP spec
	// Meta map[string]any `json:"_meta,omitempty"`
}

// PromptArgument defines a parameter that can be passed to a prompt.
//
// Arguments allow prompts to be customized for different contexts while
// maintaining a consistent structure and behavior.
type PromptArgument struct {
	// Name is the parameter name.
	Name string `json:"name"`

	// Description explains what this argument is used for.
	Description string `json:"description"`

	// Required indicates whether this argument must be provided.
	Required bool `json:"required,omitempty"`
}

// PromptParams contains the parameters for generating a prompt.
type PromptParams struct {
	// Name is the name of the prompt to generate.
	Name string `json:"name"`

	// Arguments contains the values for the prompt parameters.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// A prompts/get result is forwarded to the client as the raw
// map[string]any a child server returned, not decoded into a Go
// struct here — see dispatch.Aggregator.GetPrompt. Narrowing it would
// silently drop the top-level description and non-text message content.
