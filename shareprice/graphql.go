package shareprice

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
)

var ErrNoOperation = errors.New("Document has no operation definition.")

type OperationKind int

const (
	OperationQuery OperationKind = iota
	OperationMutation
	OperationSubscription
)

func (self OperationKind) String() string {
	switch self {
	case OperationQuery:
		return "query"
	case OperationMutation:
		return "mutation"
	case OperationSubscription:
		return "subscription"
	default:
		return fmt.Sprintf("OperationKind(%d)", int(self))
	}
}

// An Operation is a parsed GraphQL document tagged with the kind of its main definition.
// Documents are parsed and classified once, when the operation is constructed,
// so the transport never inspects the document again.
type Operation struct {
	Document      string
	OperationName string
	Kind          OperationKind
}

func NewOperation(document string) (*Operation, error) {
	return NewNamedOperation(document, "")
}

// `operationName` selects the main definition when the document has more than one.
// When empty the first operation definition is the main definition.
func NewNamedOperation(document string, operationName string) (*Operation, error) {
	queryDocument, err := parser.ParseQuery(&ast.Source{Input: document})
	if err != nil {
		return nil, fmt.Errorf("Parse operation: %w", err)
	}

	var definition *ast.OperationDefinition
	for _, operation := range queryDocument.Operations {
		if operationName == "" || operation.Name == operationName {
			definition = operation
			break
		}
	}
	if definition == nil {
		return nil, ErrNoOperation
	}

	var kind OperationKind
	switch definition.Operation {
	case ast.Mutation:
		kind = OperationMutation
	case ast.Subscription:
		kind = OperationSubscription
	default:
		kind = OperationQuery
	}

	return &Operation{
		Document:      document,
		OperationName: operationName,
		Kind:          kind,
	}, nil
}

// for documents that are compiled into the program
func RequireOperation(document string) *Operation {
	operation, err := NewOperation(document)
	if err != nil {
		panic(err)
	}
	return operation
}

func (self *Operation) String() string {
	if self.OperationName != "" {
		return fmt.Sprintf("%s %s", self.Kind, self.OperationName)
	}
	return self.Kind.String()
}

// the GraphQL over HTTP request body, also the `start` payload on the duplex channel
type operationPayload struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

func newOperationPayload(operation *Operation, variables map[string]any) *operationPayload {
	return &operationPayload{
		Query:         operation.Document,
		Variables:     variables,
		OperationName: operation.OperationName,
	}
}

// A Result is the GraphQL response: data, possibly partial, and the field errors.
type Result struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors gqlerror.List   `json:"errors,omitempty"`
}

// HasData is false when the response carried no data or `null` data.
func (self *Result) HasData() bool {
	data := bytes.TrimSpace(self.Data)
	return 0 < len(data) && !bytes.Equal(data, []byte("null"))
}

// Decode unmarshals the data into `out`. Missing data leaves `out` unchanged.
func (self *Result) Decode(out any) error {
	if !self.HasData() {
		return nil
	}
	if err := json.Unmarshal(self.Data, out); err != nil {
		return fmt.Errorf("Decode result data: %w", err)
	}
	return nil
}

// Err is nil when the result has no errors.
func (self *Result) Err() error {
	if len(self.Errors) == 0 {
		return nil
	}
	return self.Errors
}

// the backend reports failed authentication with an error message containing "Auth"
// e.g. "Auth required", "AuthenticationError"
func IsAuthError(err *gqlerror.Error) bool {
	return err != nil && strings.Contains(err.Message, "Auth")
}

func HasAuthError(errs gqlerror.List) bool {
	for _, err := range errs {
		if IsAuthError(err) {
			return true
		}
	}
	return false
}
