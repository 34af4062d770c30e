/*
# 概述

包 jsonstream 从语言模型输出的文本分片中增量组装 JSON 值。

每次 Feed 只处理新到达的字节，并返回当前最佳的树：

  - 未闭合的字符串截断到最后一个确定的字符
  - 未闭合的对象和数组保留已经读到的内容
  - 对象的键在其字符串闭合后才出现
  - 进行中的数字取最长合法前缀

树只增不减。语法错误会停止消费，并由 Finalize 以 *MalformedJSONError 返回。
根容器在装入任何内容之前就出错时（例如正文里的 "[注]"），视为正文并继续扫描。

# 记录模式

使用 WithRecords 时，记录数组中的每个元素在其范围闭合后立即通过 DrainRecords 报告。
记录数组是根数组，或根对象中指定键下的数组。
*/
package jsonstream
