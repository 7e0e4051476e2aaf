package rbac

// RolePermissions is the default policy.
var RolePermissions = map[string][]string{
	"student": {
		"problem:view",
		"problem:submit",
		"student:view-own",
		"user:change_password",
	},
	"teacher": {
		"problem:view",
		"problem:submit",
		"problem:edit",
		"course:settings",
		"student:view-all",
		"student:override",
		"users:bulk_upsert",
		"users:list",
		"user:change_password",
	},
	"admin": {
		"*", // everything
	},
}
