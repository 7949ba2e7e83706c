package transport

import (
	"errors"
	"maps"
	"net/http"

	"github.com/dd0wney/cluso-portal/pkg/envelope"
	"github.com/dd0wney/cluso-portal/pkg/logging"
)

// DecryptWorkflowRequest reads a workflow RPC body of the form
//
//	{"bo": [{"input": {"fields": <envelope>}}, ...], ...}
//
// and opens bo[0].input.fields when it is an envelope. The rest of the body
// is returned untouched. With opts.DeepWorkflow every envelope anywhere in
// the body is opened once; decrypted values are not searched for further
// envelopes. Bodies without envelopes pass through with IsEncrypted false.
func (rc *Receiver) DecryptWorkflowRequest(r *http.Request, opts ReceiveOptions) Result {
	route := opts.route(r)
	logger := logging.FromContext(r.Context(), rc.logger)

	raw, err := readBody(r)
	if err != nil {
		return rc.reject(logger, route, false, readRejection(err))
	}

	body, err := decodeJSON(raw)
	if err != nil {
		return rc.reject(logger, route, false, &rejection{reason: ReasonInvalidJSON, message: MsgInvalidJSON, cause: err})
	}

	open := func(env *envelope.Envelope) (any, error) {
		return rc.openEnvelope(r.Context(), env, opts)
	}

	var opened int
	switch fields, ok := workflowFields(body); {
	case opts.DeepWorkflow:
		// the walk covers bo[0].input.fields and never descends into plaintext
		body, opened, err = envelope.OpenTree(body, open)
		if err != nil {
			var rej *rejection
			if !errors.As(err, &rej) {
				rej, _ = classifyError(err)
			}
			return rc.reject(logger, route, true, rej)
		}

	case ok && envelope.IsEnvelope(fields):
		env, err := envelope.FromValue(fields)
		if err != nil {
			rej, _ := classifyError(err)
			return rc.reject(logger, route, true, rej)
		}
		plain, err := open(env)
		if err != nil {
			return rc.reject(logger, route, true, asRejection(err))
		}
		body = replaceWorkflowFields(body, plain)
		opened = 1
	}

	rc.recorder.RecordEnvelopeReceived(route, opened > 0)
	if opened > 0 {
		logger.Debug("workflow envelopes opened", logging.Route(route), logging.Int("count", opened))
	}
	return Result{Success: true, Data: body, IsEncrypted: opened > 0}
}

// WithWorkflowRequest is WithEncryptedRequest for workflow bodies.
func (rc *Receiver) WithWorkflowRequest(h Handler, opts ReceiveOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := rc.DecryptWorkflowRequest(r, opts)
		if !result.Success {
			RespondError(w, result.Status(), result.Error)
			return
		}
		rc.serve(w, r, h, result, opts)
	})
}

func workflowFields(body any) (any, bool) {
	input, ok := workflowInput(body)
	if !ok {
		return nil, false
	}
	fields, ok := input["fields"]
	return fields, ok
}

func workflowInput(body any) (map[string]any, bool) {
	root, ok := body.(map[string]any)
	if !ok {
		return nil, false
	}
	bo, ok := root["bo"].([]any)
	if !ok || len(bo) == 0 {
		return nil, false
	}
	first, ok := bo[0].(map[string]any)
	if !ok {
		return nil, false
	}
	input, ok := first["input"].(map[string]any)
	return input, ok
}

// replaceWorkflowFields copies the path root.bo[0].input and sets fields on
// the copy. Callers must have checked the path exists.
func replaceWorkflowFields(body any, fields any) any {
	root := body.(map[string]any)
	bo := root["bo"].([]any)
	first := bo[0].(map[string]any)
	input := first["input"].(map[string]any)

	newInput := maps.Clone(input)
	newInput["fields"] = fields

	newFirst := maps.Clone(first)
	newFirst["input"] = newInput

	newBo := make([]any, len(bo))
	copy(newBo, bo)
	newBo[0] = newFirst

	newRoot := maps.Clone(root)
	newRoot["bo"] = newBo
	return newRoot
}

