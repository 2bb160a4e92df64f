// Package status manages Machine phases and conditions.
package status

import (
	"github.com/jbweber/anvil/api/v1alpha1"
)

// SetCondition adds or updates a condition. LastTransitionTime only moves
// when the status changes.
func SetCondition(m *v1alpha1.Machine, condType string, status v1alpha1.ConditionStatus, reason, message string) {
	now := v1alpha1.Now()

	for i := range m.Status.Conditions {
		existing := &m.Status.Conditions[i]
		if existing.Type != condType {
			continue
		}
		if existing.Status != status {
			existing.LastTransitionTime = now
		}
		existing.Status = status
		existing.Reason = reason
		existing.Message = message
		return
	}

	m.Status.Conditions = append(m.Status.Conditions, v1alpha1.Condition{
		Type:               condType,
		Status:             status,
		LastTransitionTime: now,
		Reason:             reason,
		Message:            message,
	})
}

// GetCondition returns a condition by type, or nil if not found.
func GetCondition(m *v1alpha1.Machine, condType string) *v1alpha1.Condition {
	for i := range m.Status.Conditions {
		if m.Status.Conditions[i].Type == condType {
			return &m.Status.Conditions[i]
		}
	}
	return nil
}

// IsConditionTrue returns true if the condition exists and has status True.
func IsConditionTrue(m *v1alpha1.Machine, condType string) bool {
	cond := GetCondition(m, condType)
	return cond != nil && cond.Status == v1alpha1.ConditionTrue
}

// MarkNetworkConfigured records that NICs and forwarding rules are in place.
func MarkNetworkConfigured(m *v1alpha1.Machine) {
	SetCondition(m, v1alpha1.ConditionNetworkConfigured, v1alpha1.ConditionTrue, "NetworkReady", "NICs and forwarding rules configured")
}

// MarkGuestReachable records that the guest answered over SSH.
func MarkGuestReachable(m *v1alpha1.Machine) {
	SetCondition(m, v1alpha1.ConditionGuestReachable, v1alpha1.ConditionTrue, "SSHReady", "guest answered over SSH")
}

// MarkReady sets Ready to True.
func MarkReady(m *v1alpha1.Machine) {
	SetCondition(m, v1alpha1.ConditionReady, v1alpha1.ConditionTrue, "Provisioned", "machine is running and configured")
}

// MarkFailed sets Ready to False and the phase to Failed.
func MarkFailed(m *v1alpha1.Machine, reason, message string) {
	SetCondition(m, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, reason, message)
	m.SetPhase(v1alpha1.PhaseFailed)
}
