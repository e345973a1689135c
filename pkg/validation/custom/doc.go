// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package custom runs the business content validation configured for a P-Mode.

A Spec lists validator configurations together with two thresholds. Once a
validator reports an error of at least StopSeverity the remaining validators
are not started. The message is rejected when any error reaches
RejectSeverity. A zero threshold disables the rule.

Validators are built by factories held in a Registry:

	reg := custom.NewDefaultRegistry(payloads)
	reg.Register("invoice", newInvoiceValidator)
	exec := custom.NewExecutor(reg, custom.WithLogger(logger))

	result, err := exec.Validate(ctx, unit, leg.CustomValidation)

Validators of a Spec with MustExecuteInOrder run one after the other in
configured order; otherwise they run concurrently.
*/
package custom
