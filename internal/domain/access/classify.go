package access

// Classify derives a patient's sensitivity tier from their directory
// attributes. Pure and total: identical input always yields the same tier,
// and absent flags fall through to TierStandard, so audits are reproducible.
//
// Precedence is strictest-first. A record under legal hold or belonging to a
// VIP is restricted no matter what else is set; behavioral-health records,
// minors, and deceased patients are sensitive.
func Classify(attrs PatientAttributes) Tier {
	if attrs.LegalHold || attrs.VIP {
		return TierRestricted
	}
	if attrs.BehavioralHealth || attrs.Minor || attrs.Deceased {
		return TierSensitive
	}
	return TierStandard
}
