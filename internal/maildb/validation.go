package maildb

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaymail/internal/syncerr"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://relaymail.dev/schemas/"

// Validator checks entities against the compiled schema of their variant.
type Validator struct {
	schemas map[EntityType]*jsonschema.Schema
}

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *Validator
	defaultValidatorErr  error
)

func DefaultValidator() (*Validator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewValidator()
	})
	return defaultValidator, defaultValidatorErr
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
	}
	v := &Validator{schemas: map[EntityType]*jsonschema.Schema{}}
	for _, entityType := range EntityTypes {
		schema, err := compiler.Compile(schemaBaseURL + string(entityType) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", entityType, err)
		}
		v.schemas[entityType] = schema
	}
	return v, nil
}

// Validate returns a syncerr.Error of kind validation when entity does not
// match the schema of entityType.
func (v *Validator) Validate(entityType EntityType, entity Keyed) error {
	schema, ok := v.schemas[entityType]
	if !ok {
		return syncerr.Validation("unknown entity type %q", entityType)
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return syncerr.Wrap(syncerr.KindValidation, err, "%s %q is not serializable", entityType, entity.Key())
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return syncerr.Wrap(syncerr.KindValidation, err, "%s %q is not serializable", entityType, entity.Key())
	}
	if err := schema.Validate(inst); err != nil {
		return syncerr.Wrap(syncerr.KindValidation, err, "%s %q failed schema validation", entityType, entity.Key())
	}
	if entry, ok := entity.(ConversationEntry); ok && entry.PreviousPK != "" && entry.PreviousPK == entry.PK {
		return syncerr.Validation("%s %q references itself as previous entry", entityType, entry.PK)
	}
	return nil
}

func (v *Validator) ValidatePatch(patch Patch) error {
	for _, item := range patch.ConversationEntries.Upsert {
		if err := v.Validate(EntityConversationEntries, item); err != nil {
			return err
		}
	}
	for _, item := range patch.Mails.Upsert {
		if err := v.Validate(EntityMails, item); err != nil {
			return err
		}
	}
	for _, item := range patch.Folders.Upsert {
		if err := v.Validate(EntityFolders, item); err != nil {
			return err
		}
	}
	for _, item := range patch.Contacts.Upsert {
		if err := v.Validate(EntityContacts, item); err != nil {
			return err
		}
	}
	return nil
}
