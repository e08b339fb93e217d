package internaleffects

import (
	"context"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/governance"
	"github.com/agentoshq/agentos/pkg/kernelerr"
)

// governancePropose decodes a patch + description and registers a new
// proposal "propose" verb.
func (h *Handler) governancePropose(ctx context.Context, paramsCBOR []byte) ([]byte, error) {
	var p struct {
		Patch       governance.Patch `cbor:"patch"`
		Description string           `cbor:"description,omitempty"`
	}
	if err := canon.Decode(paramsCBOR, &p); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeQueryError, err)
	}
	proposal, err := h.Governance.Propose(ctx, p.Patch, p.Description)
	if err != nil {
		return nil, err
	}
	return canon.Encode(struct {
		ProposalID string `cbor:"proposal_id"`
		State      string `cbor:"state"`
	}{proposal.ID, string(proposal.State)})
}

type proposalIDParams struct {
	ProposalID string `cbor:"proposal_id"`
}

// governanceShadow dry-runs a proposal and returns its summary.
func (h *Handler) governanceShadow(ctx context.Context, paramsCBOR []byte) ([]byte, error) {
	var p proposalIDParams
	if err := canon.Decode(paramsCBOR, &p); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeQueryError, err)
	}
	summary, err := h.Governance.Shadow(ctx, p.ProposalID)
	if err != nil {
		return nil, err
	}
	return canon.Encode(summary)
}

// governanceApprove moves a shadowed proposal to Approved.
func (h *Handler) governanceApprove(ctx context.Context, paramsCBOR []byte) ([]byte, error) {
	var p struct {
		ProposalID string `cbor:"proposal_id"`
		Approver   string `cbor:"approver"`
	}
	if err := canon.Decode(paramsCBOR, &p); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeQueryError, err)
	}
	proposal, err := h.Governance.Approve(ctx, p.ProposalID, p.Approver)
	if err != nil {
		return nil, err
	}
	return canon.Encode(struct {
		ProposalID string `cbor:"proposal_id"`
		State      string `cbor:"state"`
	}{proposal.ID, string(proposal.State)})
}

// governanceReject moves a proposal to Rejected.
func (h *Handler) governanceReject(ctx context.Context, paramsCBOR []byte) ([]byte, error) {
	var p struct {
		ProposalID string `cbor:"proposal_id"`
		Reason     string `cbor:"reason,omitempty"`
	}
	if err := canon.Decode(paramsCBOR, &p); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeQueryError, err)
	}
	proposal, err := h.Governance.Reject(ctx, p.ProposalID, p.Reason)
	if err != nil {
		return nil, err
	}
	return canon.Encode(struct {
		ProposalID string `cbor:"proposal_id"`
		State      string `cbor:"state"`
	}{proposal.ID, string(proposal.State)})
}

// governanceApply applies an approved proposal under the strict
// quiescence gate, returning the signed decision record.
func (h *Handler) governanceApply(ctx context.Context, paramsCBOR []byte) ([]byte, error) {
	var p proposalIDParams
	if err := canon.Decode(paramsCBOR, &p); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeQueryError, err)
	}
	record, err := h.Governance.Apply(ctx, p.ProposalID)
	if err != nil {
		return nil, err
	}
	return canon.Encode(record)
}
