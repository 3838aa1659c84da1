package constants

import "github.com/DigiJLinux/SteamOS-Extract/pkg/schema"

const (
	OpParseTable   = "parse-table"
	OpResolveSlots = "resolve-slots"

	OpExtractPrefix = "extract-"
	OpWriteManifest = "write-manifest"

	OpLoadManifest     = "load-manifest"
	OpPlan             = "plan"
	OpEncodePrefix     = "encode-"
	OpValidateCapacity = "validate-capacity"
	OpWriteImage       = "write-image"
	OpFinalize         = "finalize"
)

// Partitions grow in MiB steps, the alignment every partitioning tool uses.
const PartitionAlign = 1 << 20

// OpExtract is the extraction op of a role, e.g. extract-var.
func OpExtract(r schema.Role) string {
	return OpExtractPrefix + string(r)
}

// OpEncode is the encode op of a role, e.g. encode-root.
func OpEncode(r schema.Role) string {
	return OpEncodePrefix + string(r)
}

// NestedImageNames lists, per role, the inner image files looked for at the
// top of a partition before falling back to the largest image there.
func NestedImageNames(r schema.Role) []string {
	switch r {
	case schema.RoleRoot:
		return []string{"rootfs-A.img", "rootfs.img", "rootfs.squashfs", "filesystem.squashfs", "arch.squashfs"}
	case schema.RoleVar:
		return []string{"var-A.img", "var.img"}
	case schema.RoleHome:
		return []string{"home.img"}
	}
	return nil
}
