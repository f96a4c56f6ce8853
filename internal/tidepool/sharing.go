package tidepool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mrcode/therapy-settings/internal/models"
)

// Invitation is a pending share request sent to the logged-in account
type Invitation struct {
	Key       string `json:"key"`
	CreatorID string `json:"creatorId"`
	Email     string `json:"email,omitempty"`
	Type      string `json:"type,omitempty"`
}

// InvitationFailure records one invitation that could not be accepted
type InvitationFailure struct {
	Invitation Invitation
	Err        error
}

// AcceptResult summarizes an AcceptInvitations call
type AcceptResult struct {
	Total    int
	Accepted int
	Failed   []InvitationFailure
}

// Invitations lists pending share invitations
func (c *Client) Invitations(ctx context.Context) ([]Invitation, error) {
	_, self, err := c.session()
	if err != nil {
		return nil, err
	}
	var invitations []Invitation
	if err := c.get(ctx, "/confirm/invitations/"+url.PathEscape(self), nil, &invitations, "invitations"); err != nil {
		return nil, err
	}
	return invitations, nil
}

// AcceptInvitations accepts every pending invitation. Individual failures are
// collected in the result; only a failure to list invitations is returned as an error.
func (c *Client) AcceptInvitations(ctx context.Context) (*AcceptResult, error) {
	invitations, err := c.Invitations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing invitations: %w", err)
	}

	self := c.LoginUserID()
	result := &AcceptResult{Total: len(invitations)}
	log.Info().Int("pending", len(invitations)).Msg("Accepting share invitations")

	for i, inv := range invitations {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := c.accept(ctx, self, inv); err != nil {
			result.Failed = append(result.Failed, InvitationFailure{Invitation: inv, Err: err})
		} else {
			result.Accepted++
		}

		if i%20 == 0 {
			log.Info().
				Int("accepted", result.Accepted).
				Int("failed", len(result.Failed)).
				Int("total", result.Total).
				Msg("Invitation progress")
		}
	}

	return result, nil
}

func (c *Client) accept(ctx context.Context, observerID string, inv Invitation) error {
	endpoint := fmt.Sprintf("/confirm/accept/invite/%s/%s", url.PathEscape(observerID), url.PathEscape(inv.CreatorID))
	req, err := c.buildRequest(ctx, http.MethodPut, endpoint, nil, map[string]string{"key": inv.Key})
	if err != nil {
		return err
	}
	_, _, err = c.doRequest(req)
	return err
}

// Profile is the metadata record of an account sharing with the observer
type Profile struct {
	UserID  string `json:"userid"`
	Profile struct {
		FullName string   `json:"fullName,omitempty"`
		Patient  *Patient `json:"patient,omitempty"`
	} `json:"profile"`
}

// Patient holds the self-reported patient fields of a profile
type Patient struct {
	Birthday       string   `json:"birthday,omitempty"`
	DiagnosisDate  string   `json:"diagnosisDate,omitempty"`
	DiagnosisType  string   `json:"diagnosisType,omitempty"`
	TargetDevices  []string `json:"targetDevices,omitempty"`
	TargetTimezone string   `json:"targetTimezone,omitempty"`
	BiologicalSex  string   `json:"biologicalSex,omitempty"`
}

// Demographics extracts the birth and diagnosis years. Unparseable dates are left unset.
func (p Profile) Demographics() models.Demographics {
	var d models.Demographics
	if p.Profile.Patient == nil {
		return d
	}
	d.BirthYear = year(p.Profile.Patient.Birthday)
	d.DiagnosisYear = year(p.Profile.Patient.DiagnosisDate)
	return d
}

// Devices returns the patient's target devices
func (p Profile) Devices() []string {
	if p.Profile.Patient == nil {
		return nil
	}
	return p.Profile.Patient.TargetDevices
}

func year(date string) *int {
	if date == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil
	}
	y := t.Year()
	return &y
}
