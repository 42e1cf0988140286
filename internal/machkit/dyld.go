//go:build darwin

package machkit

/*
#include <mach/mach.h>
#include <mach/task_info.h>
*/
import "C"

// DyldInfo is the subset of task_dyld_info_data_t the tracer needs: where
// dyld's all_image_infos structure lives, and whether to read it as the
// 32- or 64-bit variant.
type DyldInfo struct {
	AllImageInfoAddr   uint64
	AllImageInfoFormat int32 // TASK_DYLD_ALL_IMAGE_INFO_32 or _64
}

// DyldAllImageInfosAddr fetches task's dyld bootstrap info via task_info.
func DyldAllImageInfosAddr(task Port) (DyldInfo, error) {
	var info C.task_dyld_info_data_t
	count := C.mach_msg_type_number_t(C.TASK_DYLD_INFO_COUNT)
	kr := C.task_info(C.task_t(task), C.TASK_DYLD_INFO, C.task_info_t(&info), &count)
	if err := machError("task_info(TASK_DYLD_INFO)", kr); err != nil {
		return DyldInfo{}, err
	}
	return DyldInfo{
		AllImageInfoAddr:   uint64(info.all_image_info_addr),
		AllImageInfoFormat: int32(info.all_image_info_format),
	}, nil
}

// Dyld all_image_info_format values (mach/task_info.h).
const (
	DyldAllImageInfo32 = C.TASK_DYLD_ALL_IMAGE_INFO_32
	DyldAllImageInfo64 = C.TASK_DYLD_ALL_IMAGE_INFO_64
)
