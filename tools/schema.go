package tools

// Schema is a JSON Schema fragment.
type Schema = map[string]any

// Schema helpers for building tool input definitions.

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties Schema, required ...string) Schema {
	schema := Schema{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProperty creates a string property with optional description.
func StringProperty(description string) Schema {
	return Schema{
		"type":        "string",
		"description": description,
	}
}

// StringEnumProperty creates a string property with allowed values.
func StringEnumProperty(description string, values ...string) Schema {
	return Schema{
		"type":        "string",
		"description": description,
		"enum":        values,
	}
}

// NumberRangeProperty creates a number property bounded to [minimum, maximum].
func NumberRangeProperty(description string, minimum, maximum float64) Schema {
	return Schema{
		"type":        "number",
		"description": description,
		"minimum":     minimum,
		"maximum":     maximum,
	}
}

// IntegerProperty creates an integer property with a lower bound.
func IntegerProperty(description string, minimum int) Schema {
	return Schema{
		"type":        "integer",
		"description": description,
		"minimum":     minimum,
	}
}

// BooleanProperty creates a boolean property with optional description.
func BooleanProperty(description string) Schema {
	return Schema{
		"type":        "boolean",
		"description": description,
	}
}

// ArrayProperty creates an array property with the given item type.
func ArrayProperty(description string, itemType Schema) Schema {
	return Schema{
		"type":        "array",
		"description": description,
		"items":       itemType,
	}
}

// MetadataProperty is a free-form object of scalar metadata values.
func MetadataProperty(description string) Schema {
	return Schema{
		"type":        "object",
		"description": description,
		"additionalProperties": Schema{
			"type": []string{"string", "number", "integer", "boolean"},
		},
	}
}

// WithThought adds a thought parameter to an existing schema.
// If requireThought is true, "thought" is added to the required array.
func WithThought(schema Schema, requireThought bool) Schema {
	result := make(Schema, len(schema)+1)
	for k, v := range schema {
		result[k] = v
	}

	props := Schema{}
	if p, ok := result["properties"].(Schema); ok {
		for k, v := range p {
			props[k] = v
		}
	}
	props["thought"] = StringProperty(
		"Why you are calling this tool and what you expect it to return. " +
			"For writes, say what knowledge is being changed.",
	)
	result["properties"] = props

	if requireThought {
		required, _ := result["required"].([]string)
		result["required"] = append(append([]string(nil), required...), "thought")
	}
	return result
}

// BuildSchemaWithThought creates an ObjectSchema and adds thought support in one call.
func BuildSchemaWithThought(properties Schema, requireThought bool, required ...string) Schema {
	return WithThought(ObjectSchema(properties, required...), requireThought)
}
