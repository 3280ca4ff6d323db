package partition

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BuildPlan constructs a migration plan between two partition types. The
// step list is fully determined by the pair: a backup always leads, a
// resource allocation pair is added only when the isolation level changes,
// and data migration plus routing update always close the plan. Each
// rollback counterpart is prepended as its forward step is added, so the
// rollback list runs in reverse order of the forward list.
func BuildPlan(tenantID uuid.UUID, from, to PartitionType, reason string, now time.Time) *MigrationPlan {
	plan := &MigrationPlan{
		ID:            uuid.New(),
		TenantID:      tenantID,
		FromPartition: from.Name,
		ToPartition:   to.Name,
		Reason:        reason,
		CreatedAt:     now.UTC(),
	}

	addStep := func(step, rollback MigrationStep) {
		plan.Steps = append(plan.Steps, step)
		plan.RollbackSteps = append([]MigrationStep{rollback}, plan.RollbackSteps...)
	}

	addStep(
		MigrationStep{
			Name:              "backup",
			Description:       fmt.Sprintf("Snapshot tenant data before leaving %s", from.Name),
			Command:           "backup.create",
			Validation:        "backup.verify",
			EstimatedDuration: 10 * time.Minute,
			CanRollback:       true,
		},
		MigrationStep{
			Name:              "restore_backup",
			Description:       "Restore the pre-migration snapshot",
			Command:           "backup.restore",
			EstimatedDuration: 15 * time.Minute,
		},
	)

	levelChange := from.IsolationLevel != to.IsolationLevel
	if levelChange {
		addStep(
			MigrationStep{
				Name:              "allocate_resources",
				Description:       fmt.Sprintf("Provision %s resources", to.Name),
				Command:           "resources.allocate",
				Validation:        "resources.verify",
				EstimatedDuration: 5 * time.Minute,
				CanRollback:       true,
				Dependencies:      []string{"backup"},
			},
			MigrationStep{
				Name:              "deallocate_resources",
				Description:       fmt.Sprintf("Release %s resources", to.Name),
				Command:           "resources.deallocate",
				EstimatedDuration: 2 * time.Minute,
			},
		)
	}

	dataDeps := []string{"backup"}
	if levelChange {
		dataDeps = append(dataDeps, "allocate_resources")
	}
	addStep(
		MigrationStep{
			Name:              "migrate_data",
			Description:       fmt.Sprintf("Copy tenant data from %s to %s", from.Name, to.Name),
			Command:           "data.migrate",
			Validation:        "data.verify",
			EstimatedDuration: 30 * time.Minute,
			CanRollback:       true,
			Dependencies:      dataDeps,
		},
		MigrationStep{
			Name:              "remove_migrated_data",
			Description:       fmt.Sprintf("Remove copied data from %s", to.Name),
			Command:           "data.remove",
			EstimatedDuration: 10 * time.Minute,
		},
	)

	addStep(
		MigrationStep{
			Name:              "update_routing",
			Description:       fmt.Sprintf("Point tenant traffic at %s", to.Name),
			Command:           "routing.update",
			Validation:        "routing.verify",
			EstimatedDuration: 1 * time.Minute,
			CanRollback:       true,
			Dependencies:      []string{"migrate_data"},
		},
		MigrationStep{
			Name:              "revert_routing",
			Description:       fmt.Sprintf("Point tenant traffic back at %s", from.Name),
			Command:           "routing.revert",
			EstimatedDuration: 1 * time.Minute,
		},
	)

	plan.Risk = assessRisk(from, to, levelChange)
	return plan
}

// assessRisk grades a migration. Any isolation level change is high risk;
// everything else is medium.
func assessRisk(from, to PartitionType, levelChange bool) RiskAssessment {
	risk := RiskAssessment{
		Overall:            RiskMedium,
		EstimatedDowntime:  2 * time.Minute,
		DataLossRisk:       false,
		RollbackComplexity: "complex",
		Mitigations: []string{
			"full backup taken before any data movement",
			"routing switch deferred until data verification passes",
			"rollback steps generated for every forward step",
		},
	}
	if levelChange {
		risk.Overall = RiskHigh
		risk.Factors = append(risk.Factors,
			fmt.Sprintf("isolation level changes from %s to %s", from.IsolationLevel, to.IsolationLevel),
			"resource reprovisioning required")
	} else {
		risk.Factors = append(risk.Factors,
			fmt.Sprintf("tier change within isolation level %s", from.IsolationLevel))
	}
	if to.Priority < from.Priority {
		risk.Factors = append(risk.Factors, "downgrade may constrain tenant workload under the new limits")
	}
	return risk
}
