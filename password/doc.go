// Package password hashes and verifies passwords.
//
// Argon2id is the default scheme; hashes are PHC strings:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// A [Chain] verifies bcrypt hashes imported from older systems and reports
// them through NeedsUpgrade so the caller can re-hash after the next
// successful login. Password policy (length, composition) belongs to the
// caller; this package only enforces the KDF input bounds.
package password
