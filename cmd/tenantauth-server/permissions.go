package main

import "github.com/MrEthical07/tenantauth/permission"

// catalog is the permission set this server registers with the engine and
// mirrors into the database.
var catalog = []permission.Definition{
	{Code: "company.view", Module: "company", Description: "View company details and members."},
	{Code: "company.manage", Module: "company", Description: "Rename, re-parent and change company status."},
	{Code: "member.invite", Module: "member", Description: "Invite new members."},
	{Code: "member.manage", Module: "member", Description: "Assign and remove member roles."},
	{Code: "role.manage", Module: "role", Description: "Create roles and edit their permissions."},
	{Code: "billing.view", Module: "billing", Description: "View invoices and plans."},
	{Code: "billing.manage", Module: "billing", Description: "Change plans and payment methods."},
}
